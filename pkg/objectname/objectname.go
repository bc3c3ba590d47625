// Package objectname implements the conversions and validation rules for
// archive object names: the portable, '/'-separated identifiers used
// throughout the sync engine, and their mapping to local filesystem paths.
package objectname

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrEmpty is returned when an object name is empty.
var ErrEmpty = errors.New("objectname: name is empty")

// ErrOSSeparator is returned when an object name contains the local
// filesystem's path separator, which would make the round-trip to a
// local path ambiguous.
var ErrOSSeparator = errors.New("objectname: name contains OS path separator")

// Validate checks that name is a legal object name: non-empty and free of
// the local OS path separator. The portable separator is always '/'.
func Validate(name string) error {
	if name == "" {
		return ErrEmpty
	}

	if filepath.Separator != '/' && strings.ContainsRune(name, filepath.Separator) {
		return ErrOSSeparator
	}

	return nil
}

// Normalize returns name in Unicode NFC form. Local filesystems (notably
// HFS+/APFS) may hand back filenames in NFD; normalizing at this boundary
// keeps the same logical name mapping to the same object name regardless of
// which side observed it first.
func Normalize(name string) string {
	return norm.NFC.String(name)
}

// ToLocalPath converts an object name into a path relative to a local root,
// joining path segments with the OS separator. The caller is responsible for
// joining the result with the archive root.
func ToLocalPath(name string) string {
	segments := strings.Split(name, "/")
	return filepath.Join(segments...)
}

// FromLocalPath converts a path relative to a local root into a portable
// object name, joining segments with '/'.
func FromLocalPath(rel string) string {
	segments := strings.Split(rel, string(filepath.Separator))
	return strings.Join(segments, "/")
}

// CacheHash returns the hex-encoded sha256 digest used to derive cache
// sub-tree filenames (spec.md §6: hidden/<h>, staged/<h>) from an object
// name, so that names containing '/' never need escaping on disk.
func CacheHash(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])
}
