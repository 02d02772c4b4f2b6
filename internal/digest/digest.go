// Package digest fingerprints receipt content.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// ChunkSize is the read buffer used while hashing.
const ChunkSize = 8192

// Sum hashes r from its current offset to EOF and seeks back to that offset.
// It returns the number of bytes hashed and the lowercase hex SHA-256.
func Sum(r io.ReadSeeker) (int64, string, error) {
	start, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, "", fmt.Errorf("read position: %w", err)
	}

	h := sha256.New()
	n, err := io.CopyBuffer(h, onlyReader{r}, make([]byte, ChunkSize))
	if err != nil {
		return 0, "", fmt.Errorf("hash content: %w", err)
	}

	if _, err := r.Seek(start, io.SeekStart); err != nil {
		return 0, "", fmt.Errorf("restore position: %w", err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// SumFile hashes the whole file at path.
func SumFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()
	return Sum(f)
}

// onlyReader hides WriterTo so CopyBuffer really reads in ChunkSize pieces.
type onlyReader struct{ io.Reader }
