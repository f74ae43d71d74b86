package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"

	"packsync/models"
	"packsync/validate"
)

// PackFileName is the packwiz-style metadata file optionally present in an instance.
const PackFileName = "pack.toml"

var loaderKeys = []string{"neoforge", "forge", "fabric", "quilt", "liteloader"}

type packFile struct {
	Name     string            `toml:"name"`
	Version  string            `toml:"version"`
	Versions map[string]string `toml:"versions"`
}

// ListModpacks describes every shareable instance directory directly under root.
// Directories whose names fail validation are skipped.
func ListModpacks(ctx context.Context, root string) ([]models.ModpackInfo, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read shared root: %w", err)
	}

	packs := make([]models.ModpackInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || validate.ValidateModpackName(entry.Name()) != nil {
			continue
		}
		info, err := DescribeModpack(ctx, root, entry.Name())
		if err != nil {
			log.Warnw("skipping modpack", "name", entry.Name(), "error", err)
			continue
		}
		packs = append(packs, info)
	}

	sort.Slice(packs, func(i, j int) bool { return packs[i].Name < packs[j].Name })
	return packs, nil
}

// DescribeModpack summarizes one instance, reading pack.toml when present.
func DescribeModpack(ctx context.Context, root, name string) (models.ModpackInfo, error) {
	dir := filepath.Join(root, name)
	count, size, err := Summarize(ctx, dir)
	if err != nil {
		return models.ModpackInfo{}, err
	}

	info := models.ModpackInfo{Name: name, FileCount: count, TotalSize: size}

	var pack packFile
	if _, err := toml.DecodeFile(filepath.Join(dir, PackFileName), &pack); err != nil {
		if !IsNotExist(err) {
			log.Debugw("unreadable pack metadata", "name", name, "error", err)
		}
		return info, nil
	}

	info.Title = pack.Name
	info.Version = pack.Version
	info.MinecraftVersion = pack.Versions["minecraft"]
	for _, key := range loaderKeys {
		if version, ok := pack.Versions[key]; ok {
			info.Loader = key
			info.LoaderVersion = version
			break
		}
	}
	return info, nil
}
