package scanner

import (
	"encoding/hex"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"
)

// Checksums maps a file path to the last content hash seen for it.
type Checksums struct {
	sums map[string]string
}

func NewChecksums() *Checksums {
	return &Checksums{sums: make(map[string]string)}
}

func (c *Checksums) Lookup(path string) (string, bool) {
	sum, ok := c.sums[path]
	return sum, ok
}

func (c *Checksums) Update(path string, sum string) {
	c.sums[path] = sum
}

func (c *Checksums) Len() int {
	return len(c.sums)
}

// FileChecksum hashes the full contents of the file at path with BLAKE2b-256.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
