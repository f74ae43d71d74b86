package models

// FileRecord describes one file under a sync root.
type FileRecord struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	Hash string `json:"hash"`
}

// Manifest is the content listing of a sync root. Paths are unique,
// slash-separated and relative to the root.
type Manifest struct {
	Files []FileRecord `json:"files"`
}

// Index maps each path to its record.
func (m Manifest) Index() map[string]FileRecord {
	index := make(map[string]FileRecord, len(m.Files))
	for _, file := range m.Files {
		index[file.Path] = file
	}
	return index
}

// TotalSize sums the sizes of all records.
func (m Manifest) TotalSize() int64 {
	var total int64
	for _, file := range m.Files {
		total += file.Size
	}
	return total
}

// SyncDiff lists what a local root needs to match a remote one.
type SyncDiff struct {
	ToDownload         []FileRecord `json:"to_download"`
	ToDelete           []string     `json:"to_delete"`
	TotalDownloadBytes int64        `json:"total_download_bytes"`
}

// Empty reports whether the roots are already in sync.
func (d SyncDiff) Empty() bool {
	return len(d.ToDownload) == 0 && len(d.ToDelete) == 0
}

// ModpackInfo summarizes one shareable instance under a server's shared root.
type ModpackInfo struct {
	Name             string `json:"name"`
	Title            string `json:"title,omitempty"`
	Version          string `json:"version,omitempty"`
	MinecraftVersion string `json:"minecraft_version,omitempty"`
	Loader           string `json:"loader,omitempty"`
	LoaderVersion    string `json:"loader_version,omitempty"`
	FileCount        int    `json:"file_count"`
	TotalSize        int64  `json:"total_size"`
}
