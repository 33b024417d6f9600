package utils

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	gedserrors "github.com/objectfs/geds/pkg/errors"
)

const (
	// Delimiter separates key segments.
	Delimiter = "/"

	// FolderMarker is the suffix of directory marker keys.
	FolderMarker = "_$folder$"
)

// Identifier returns the bucket-qualified object name.
func Identifier(bucket, key string) string {
	return bucket + Delimiter + key
}

// SplitIdentifier is the inverse of Identifier.
func SplitIdentifier(identifier string) (bucket, key string, ok bool) {
	idx := strings.Index(identifier, Delimiter)
	if idx <= 0 {
		return "", "", false
	}
	return identifier[:idx], identifier[idx+1:], true
}

// ValidateBucket rejects bucket names that cannot be used in an identifier.
func ValidateBucket(bucket string) error {
	if bucket == "" {
		return gedserrors.InvalidArgument("bucket name cannot be empty")
	}
	if strings.Contains(bucket, Delimiter) {
		return gedserrors.InvalidArgument("bucket name %q contains %q", bucket, Delimiter)
	}
	return nil
}

// ValidateKey rejects empty keys and keys that start with the delimiter.
func ValidateKey(key string) error {
	if key == "" {
		return gedserrors.InvalidArgument("key cannot be empty")
	}
	if strings.HasPrefix(key, Delimiter) {
		return gedserrors.InvalidArgument("key %q starts with %q", key, Delimiter)
	}
	return nil
}

// FolderPrefix normalizes a folder path so that it ends in exactly one
// delimiter. The bucket root is the empty string.
func FolderPrefix(path string) string {
	path = strings.TrimRight(path, Delimiter)
	if path == "" {
		return ""
	}
	return path + Delimiter
}

// MarkerKey returns the marker key for folder path.
func MarkerKey(path string) string {
	return FolderPrefix(path) + FolderMarker
}

// IsMarker reports whether key is a directory marker.
func IsMarker(key string) bool {
	return key == FolderMarker || strings.HasSuffix(key, Delimiter+FolderMarker)
}

// MarkerFolder returns the folder a marker key stands for, without the
// trailing delimiter.
func MarkerFolder(key string) string {
	return strings.TrimSuffix(strings.TrimSuffix(key, FolderMarker), Delimiter)
}

// ParentFolders lists every folder on the way to path, outermost first:
// "a/b/c" yields "a", "a/b", "a/b/c".
func ParentFolders(path string) []string {
	path = strings.Trim(path, Delimiter)
	if path == "" {
		return nil
	}

	segments := strings.Split(path, Delimiter)
	folders := make([]string, 0, len(segments))
	for i := range segments {
		if segments[i] == "" {
			continue
		}
		folders = append(folders, strings.Join(segments[:i+1], Delimiter))
	}
	return folders
}

// SecureJoin safely joins path elements and ensures the result stays within the base directory.
// Unlike filepath.Join, this function validates that the result doesn't escape the base through
// directory traversal.
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) &&
		fullPath != cleanBase {
		return "", fmt.Errorf("path escapes base directory")
	}

	return fullPath, nil
}

// LocalFilePath maps an identifier to a flat file name under base. Slashes
// and dots are escaped so that every identifier gets its own file.
func LocalFilePath(base, identifier string) (string, error) {
	name := url.PathEscape(identifier)
	name = strings.ReplaceAll(name, ".", "%2E")
	return SecureJoin(base, name)
}
