// Package validate holds the pure pass/fail checks applied to everything a
// remote peer sends before it reaches the filesystem.
package validate

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxPeerIDLength bounds handshake peer ids.
	MaxPeerIDLength = 64
	// MaxPathLength bounds relative paths requested by a peer.
	MaxPathLength = 512
	// MaxModpackNameLength bounds modpack directory names.
	MaxModpackNameLength = 128
	// MaxDisplayNameLength bounds peer display names, in runes.
	MaxDisplayNameLength = 64
	// MaxFriendMessageLength bounds the note attached to a friend request, in runes.
	MaxFriendMessageLength = 500
	// DefaultMaxTransferSize is the ceiling for one sync (8 GiB).
	DefaultMaxTransferSize int64 = 8 << 30
	// DefaultMaxFileSize is the ceiling for one file (1 GiB).
	DefaultMaxFileSize int64 = 1 << 30
)

var (
	ErrInvalidPeerID       = errors.New("validate: invalid peer id")
	ErrInvalidPath         = errors.New("validate: invalid path")
	ErrPathTraversal       = errors.New("validate: path escapes sync root")
	ErrExtensionNotAllowed = errors.New("validate: file extension not allowed")
	ErrTransferTooLarge    = errors.New("validate: transfer exceeds size ceiling")
	ErrFileTooLarge        = errors.New("validate: file exceeds size ceiling")
	ErrInvalidModpackName  = errors.New("validate: invalid modpack name")
	ErrInvalidField        = errors.New("validate: invalid text field")
)

var (
	peerIDPattern      = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)
	modpackNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 ._()+-]*$`)
)

// Extensions a peer may request. Everything a modpack instance ships lives
// in one of these; executables and scripts are never served.
var allowedExtensions = map[string]bool{
	".jar": true, ".zip": true, ".litemod": true,
	".json": true, ".json5": true, ".toml": true, ".cfg": true, ".conf": true,
	".properties": true, ".ini": true, ".txt": true, ".yml": true, ".yaml": true,
	".snbt": true, ".nbt": true, ".dat": true, ".mcmeta": true, ".lang": true,
	".js": true, ".zs": true, ".md": true, ".csv": true, ".xml": true,
	".png": true, ".jpg": true, ".ogg": true,
	".fsh": true, ".vsh": true, ".glsl": true,
}

var textLikeExtensions = map[string]bool{
	".json": true, ".json5": true, ".toml": true, ".cfg": true, ".conf": true,
	".properties": true, ".ini": true, ".txt": true, ".yml": true, ".yaml": true,
	".snbt": true, ".mcmeta": true, ".lang": true, ".js": true, ".zs": true,
	".md": true, ".csv": true, ".xml": true, ".fsh": true, ".vsh": true, ".glsl": true,
}

// ValidatePeerID rejects empty, overlong, or oddly-charactered ids.
func ValidatePeerID(id string) error {
	if id == "" || len(id) > MaxPeerIDLength || !peerIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidPeerID, truncate(id, MaxPeerIDLength))
	}
	return nil
}

// ValidateModpackName accepts a single directory name under the shared root.
func ValidateModpackName(name string) error {
	if name == "" || len(name) > MaxModpackNameLength || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidModpackName, truncate(name, MaxModpackNameLength))
	}
	if !modpackNamePattern.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidModpackName, name)
	}
	return nil
}

// SanitizePath resolves a peer-supplied relative path inside root and returns
// the absolute local path. Traversal, absolute paths and symlink escapes fail.
func SanitizePath(name, root string) (string, error) {
	if name == "" || len(name) > MaxPathLength || strings.ContainsRune(name, 0) {
		return "", ErrInvalidPath
	}
	if strings.Contains(name, `\`) || path.IsAbs(name) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, name)
	}
	for _, segment := range strings.Split(name, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%w: %q", ErrPathTraversal, name)
		}
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	full := filepath.Join(absRoot, filepath.FromSlash(name))
	if !within(absRoot, full) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, name)
	}

	// A symlink inside the root must not lead outside of it.
	if resolved, err := filepath.EvalSymlinks(full); err == nil {
		resolvedRoot, rootErr := filepath.EvalSymlinks(absRoot)
		if rootErr != nil {
			resolvedRoot = absRoot
		}
		if !within(resolvedRoot, resolved) {
			return "", fmt.Errorf("%w: %q", ErrPathTraversal, name)
		}
	}

	return full, nil
}

// ValidateExtension checks the extension allow-list.
func ValidateExtension(name string) error {
	if !allowedExtensions[strings.ToLower(filepath.Ext(name))] {
		return fmt.Errorf("%w: %q", ErrExtensionNotAllowed, filepath.Ext(name))
	}
	return nil
}

// IsTextLike reports whether a file is worth trying to compress.
func IsTextLike(name string) bool {
	return textLikeExtensions[strings.ToLower(filepath.Ext(name))]
}

// ValidateTransferSize checks a whole sync against ceiling. A ceiling of 0 disables the check.
func ValidateTransferSize(total, ceiling int64) error {
	if total < 0 {
		return fmt.Errorf("%w: negative size", ErrTransferTooLarge)
	}
	if ceiling > 0 && total > ceiling {
		return fmt.Errorf("%w: %d > %d", ErrTransferTooLarge, total, ceiling)
	}
	return nil
}

// ValidateFileSize checks one file against ceiling. A ceiling of 0 disables the check.
func ValidateFileSize(size, ceiling int64) error {
	if size < 0 {
		return fmt.Errorf("%w: negative size", ErrFileTooLarge)
	}
	if ceiling > 0 && size > ceiling {
		return fmt.Errorf("%w: %d > %d", ErrFileTooLarge, size, ceiling)
	}
	return nil
}

// ValidateText bounds a free-form field by rune count and rejects control characters.
func ValidateText(field, value string, maxRunes int) error {
	if !utf8.ValidString(value) || utf8.RuneCountInString(value) > maxRunes {
		return fmt.Errorf("%w: %s", ErrInvalidField, field)
	}
	for _, r := range value {
		if unicode.IsControl(r) && r != '\n' {
			return fmt.Errorf("%w: %s contains control characters", ErrInvalidField, field)
		}
	}
	return nil
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
