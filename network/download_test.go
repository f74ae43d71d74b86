package network

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"

	"packsync/manifest"
	"packsync/session"
)

// inflatedFile answers every file request with a header announcing size bytes
// and then streams that many full-size chunks regardless.
func inflatedFile(size int64, chunks int) route {
	return func(c *serverConn, msg Message) error {
		req := msg.(ModpackFileRequest)
		if err := c.pc.Send(FileHeader{
			Path:         req.Path,
			Size:         size,
			Hash:         manifest.HashBytes(nil),
			TotalChunks:  chunks,
			OriginalSize: size,
		}); err != nil {
			return err
		}
		data := bytes.Repeat([]byte{'x'}, ChunkSize)
		for i := 0; i < chunks; i++ {
			sealed, err := c.pc.SessionKey().Encrypt(data)
			if err != nil {
				return err
			}
			if err := c.pc.Send(FileChunk{Path: req.Path, ChunkIndex: i, Data: sealed, IsLast: i == chunks-1}); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestSyncRejectsPayloadLargerThanHeader(t *testing.T) {
	tests := []struct {
		name   string
		chunks int
	}{
		{name: "chunk count disagrees with size", chunks: 40},
		{name: "single chunk overflows size", chunks: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := startServerWithRoutes(t, nil, map[string]route{
				TypeModpackFileRequest: inflatedFile(10, tt.chunks),
			})
			writeTree(t, ts.root, map[string][]byte{"pack/mods/a.jar": []byte("0123456789")})
			dest := t.TempDir()

			o, _ := newTestOrchestrator(t, nil)
			result, err := o.Sync(context.Background(), SyncOptions{Address: ts.addr, Modpack: "pack", Destination: dest})
			if !errors.Is(err, ErrUnexpectedMessage) {
				t.Fatalf("expected ErrUnexpectedMessage, got %v", err)
			}
			if result.Status != session.StatusFailed {
				t.Fatalf("expected failed, got %s", result.Status)
			}

			target := filepath.Join(dest, "mods", "a.jar")
			if _, err := os.Stat(target); !os.IsNotExist(err) {
				t.Fatalf("expected no file at target, stat err=%v", err)
			}
			if info, err := os.Stat(target + manifest.PartialSuffix); err == nil && info.Size() > 10 {
				t.Fatalf("partial file grew to %d bytes past the announced 10", info.Size())
			}
		})
	}
}

func TestSyncGivesUpOnPersistentLocalFailure(t *testing.T) {
	var requests atomic.Int32
	ts := startServerWithRoutes(t, nil, map[string]route{
		TypeModpackFileRequest: func(c *serverConn, msg Message) error {
			if msg.(ModpackFileRequest).Path == "mods/a.jar" {
				requests.Add(1)
			}
			return c.handleModpackFileRequest(msg)
		},
	})
	writeTree(t, ts.root, map[string][]byte{
		"pack/mods/a.jar": []byte("blocked"),
		"pack/mods/b.jar": []byte("fine"),
	})

	// A directory in the way makes every rename into place fail.
	dest := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dest, "mods", "a.jar"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	o, sessions := newTestOrchestrator(t, nil)
	result, err := o.Sync(context.Background(), SyncOptions{Address: ts.addr, Modpack: "pack", Destination: dest})
	if !errors.Is(err, ErrFilesFailed) {
		t.Fatalf("expected ErrFilesFailed, got %v", err)
	}
	if !slices.Equal(result.FailedFiles, []string{"mods/a.jar"}) {
		t.Fatalf("unexpected failed files %v", result.FailedFiles)
	}
	if result.FilesDownloaded != 1 {
		t.Fatalf("expected the other file to download, got %+v", result)
	}
	assertFile(t, dest, "mods/b.jar", []byte("fine"))

	if n := requests.Load(); n != DefaultMaxAttempts {
		t.Fatalf("expected %d attempts, got %d", DefaultMaxAttempts, n)
	}
	s := onlySession(t, sessions)
	if s.RetryCount != DefaultMaxAttempts-1 || s.Status != session.StatusFailed {
		t.Fatalf("unexpected session %+v", s)
	}
}

func TestSyncSkipsRefusedFileWithoutRetry(t *testing.T) {
	var requests atomic.Int32
	ts := startServerWithRoutes(t, nil, map[string]route{
		TypeModpackFileRequest: func(c *serverConn, msg Message) error {
			if msg.(ModpackFileRequest).Path == "mods/gone.jar" {
				requests.Add(1)
				return c.refuse(CodeNotFound, "File is not available.")
			}
			return c.handleModpackFileRequest(msg)
		},
	})
	writeTree(t, ts.root, map[string][]byte{
		"pack/mods/gone.jar": []byte("vanishing"),
		"pack/mods/kept.jar": []byte("kept"),
	})
	dest := t.TempDir()

	o, sessions := newTestOrchestrator(t, nil)
	result, err := o.Sync(context.Background(), SyncOptions{Address: ts.addr, Modpack: "pack", Destination: dest})
	if !errors.Is(err, ErrFilesFailed) {
		t.Fatalf("expected ErrFilesFailed, got %v", err)
	}
	if !slices.Equal(result.FailedFiles, []string{"mods/gone.jar"}) || result.FilesDownloaded != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	assertFile(t, dest, "mods/kept.jar", []byte("kept"))

	if n := requests.Load(); n != 1 {
		t.Fatalf("a refused file must not be retried, got %d requests", n)
	}
	if s := onlySession(t, sessions); s.RetryCount != 0 {
		t.Fatalf("expected no retries, got %d", s.RetryCount)
	}
}

func TestSyncReportsVerifyMismatchWithoutRollback(t *testing.T) {
	ts := startServerWithRoutes(t, nil, map[string]route{
		// Advertise a hash that the served content will not match.
		TypeManifestRequest: func(c *serverConn, msg Message) error {
			built, err := manifest.Build(c.ctx, filepath.Join(c.h.cfg.SharedRoot, msg.(ManifestRequest).Name))
			if err != nil {
				return err
			}
			for i := range built.Files {
				if built.Files[i].Path == "mods/a.jar" {
					built.Files[i].Hash = manifest.HashBytes([]byte("something else"))
				}
			}
			return c.pc.Send(ManifestResponse{Name: msg.(ManifestRequest).Name, Manifest: built})
		},
	})
	writeTree(t, ts.root, map[string][]byte{
		"pack/mods/a.jar": []byte("served"),
		"pack/mods/b.jar": []byte("honest"),
	})
	dest := t.TempDir()

	o, _ := newTestOrchestrator(t, nil)
	result, err := o.Sync(context.Background(), SyncOptions{Address: ts.addr, Modpack: "pack", Destination: dest})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Status != session.StatusCompleted || result.FilesDownloaded != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	if !slices.Equal(result.VerifyMismatches, []string{"mods/a.jar"}) {
		t.Fatalf("unexpected verify mismatches %v", result.VerifyMismatches)
	}
	assertFile(t, dest, "mods/a.jar", []byte("served"))
	assertFile(t, dest, "mods/b.jar", []byte("honest"))
}
