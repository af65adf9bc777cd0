// Package hash fingerprints files and payloads so the pipeline can tell
// whether an input or artifact changed between runs.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// ShortLen is the number of hex characters kept by Short.
const ShortLen = 8

// File returns the hex SHA-256 digest of the file at path. The file is
// streamed, never read into memory whole.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Content returns the hex SHA-256 digest of data.
func Content(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// String is Content for text payloads.
func String(s string) string {
	return Content([]byte(s))
}

// Short truncates a digest for use in cache-busting filenames.
func Short(digest string) string {
	if len(digest) <= ShortLen {
		return digest
	}
	return digest[:ShortLen]
}
