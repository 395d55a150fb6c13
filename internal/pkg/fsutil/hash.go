// Package fsutil holds small filesystem helpers.
package fsutil

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// HashFile returns a short SHA-256 checksum of a file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return shortHex(h.Sum(nil)), nil
}

// Checksum is HashFile for in-memory content.
func Checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return shortHex(sum[:])
}

func shortHex(sum []byte) string {
	return hex.EncodeToString(sum)[:16]
}
