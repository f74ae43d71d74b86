// Package manifest builds content listings of a sync root and reconciles them.
package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"packsync/models"
	"packsync/validate"
)

const (
	// DefaultConcurrency bounds parallel file hashing.
	DefaultConcurrency = 8
	// PartialSuffix marks an in-progress download; such files are never listed.
	PartialSuffix = ".part"
)

var log = logging.Logger("manifest")

// Options tunes Build.
type Options struct {
	Concurrency int
}

// Build walks root and hashes every regular file with bounded concurrency.
func Build(ctx context.Context, root string) (models.Manifest, error) {
	return BuildWithOptions(ctx, root, Options{})
}

// BuildWithOptions is Build with explicit tuning.
func BuildWithOptions(ctx context.Context, root string, opts Options) (models.Manifest, error) {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	paths, err := listFiles(ctx, root)
	if err != nil {
		return models.Manifest{}, err
	}

	records := make([]models.FileRecord, len(paths))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for i, rel := range paths {
		i, rel := i, rel
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			hash, size, err := HashFile(filepath.Join(root, filepath.FromSlash(rel)))
			if err != nil {
				return err
			}
			records[i] = models.FileRecord{Path: rel, Size: size, Hash: hash}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return models.Manifest{}, err
	}

	log.Debugw("manifest built", "root", root, "files", len(records))
	return models.Manifest{Files: records}, nil
}

// Shareable keeps only the files a peer may request, the same set a serving
// peer advertises.
func Shareable(m models.Manifest) models.Manifest {
	out := models.Manifest{Files: make([]models.FileRecord, 0, len(m.Files))}
	for _, file := range m.Files {
		if validate.ValidateExtension(file.Path) == nil {
			out.Files = append(out.Files, file)
		}
	}
	return out
}

// Summarize counts shareable files and bytes under root without hashing.
func Summarize(ctx context.Context, root string) (int, int64, error) {
	paths, err := listFiles(ctx, root)
	if err != nil {
		return 0, 0, err
	}
	var (
		count int
		total int64
	)
	for _, rel := range paths {
		if validate.ValidateExtension(rel) != nil {
			continue
		}
		info, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return 0, 0, fmt.Errorf("stat %q: %w", rel, err)
		}
		count++
		total += info.Size()
	}
	return count, total, nil
}

func listFiles(ctx context.Context, root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat sync root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sync root %q is not a directory", root)
	}

	paths := make([]string, 0, 256)
	err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() || !entry.Type().IsRegular() {
			return nil
		}
		if strings.HasSuffix(entry.Name(), PartialSuffix) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk sync root: %w", err)
	}
	return paths, nil
}

// Diff computes what local needs to match remote. Files are compared by
// path and hash: a content-identical file under a new path is still downloaded.
func Diff(local, remote models.Manifest) models.SyncDiff {
	localIndex := local.Index()
	remoteIndex := remote.Index()

	diff := models.SyncDiff{
		ToDownload: make([]models.FileRecord, 0),
		ToDelete:   make([]string, 0),
	}
	for _, file := range remote.Files {
		existing, ok := localIndex[file.Path]
		if ok && existing.Hash == file.Hash {
			continue
		}
		diff.ToDownload = append(diff.ToDownload, file)
		diff.TotalDownloadBytes += file.Size
	}
	for _, file := range local.Files {
		if _, ok := remoteIndex[file.Path]; !ok {
			diff.ToDelete = append(diff.ToDelete, file.Path)
		}
	}

	sort.Slice(diff.ToDownload, func(i, j int) bool { return diff.ToDownload[i].Path < diff.ToDownload[j].Path })
	sort.Strings(diff.ToDelete)
	return diff
}

// Verify re-hashes path and compares with the expected hash.
func Verify(path, expectedHash string) (bool, error) {
	hash, _, err := HashFile(path)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(hash, expectedHash), nil
}

// HashFile returns the SHA-256 hex digest and size of a file.
func HashFile(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open file for checksum: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	hasher := sha256.New()
	size, err := io.Copy(hasher, file)
	if err != nil {
		return "", 0, fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

// HashBytes is HashFile for in-memory content.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IsNotExist reports whether err means the root or file is missing.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
