// Package checksum computes BLAKE3 digests of database files and their
// individual pages. Manifests record the per-page digests of a file so a
// backup copy can be verified page by page against its source.
package checksum

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/zeebo/blake3"
)

// Digest computes the BLAKE3 hash of data as a hex string.
func Digest(data []byte) string {
	h := blake3.Sum256(data)
	return hex.EncodeToString(h[:])
}

// DigestFile computes the BLAKE3 hash of an entire file as a hex string.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Manifest records the digests of a database file at a point in time.
type Manifest struct {
	Path      string   `json:"path"`
	PageSize  int      `json:"page_size"`
	PageCount int      `json:"page_count"`
	File      string   `json:"file"`
	Pages     []string `json:"pages"`
	CreatedAt string   `json:"created_at"`
}

// ManifestForFile reads the file at path in pageSize chunks and records a
// digest for each page plus the whole file. A final partial page is
// hashed as read.
func ManifestForFile(path string, pageSize int) (*Manifest, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("invalid page size %d", pageSize)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	m := &Manifest{
		Path:      path,
		PageSize:  pageSize,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	whole := blake3.New()
	buf := make([]byte, pageSize)
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			m.Pages = append(m.Pages, Digest(buf[:n]))
			whole.Write(buf[:n])
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	m.PageCount = len(m.Pages)
	m.File = hex.EncodeToString(whole.Sum(nil))
	return m, nil
}

// Write stores the manifest as JSON at path.
func (m *Manifest) Write(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads a manifest previously stored with Write.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// Verify compares the file at path against the manifest and returns the
// 1-based numbers of pages whose digests differ. A length mismatch
// reports every page past the shorter end.
func (m *Manifest) Verify(path string) ([]int, error) {
	other, err := ManifestForFile(path, m.PageSize)
	if err != nil {
		return nil, err
	}
	var bad []int
	n := len(m.Pages)
	if len(other.Pages) > n {
		n = len(other.Pages)
	}
	for i := 0; i < n; i++ {
		switch {
		case i >= len(m.Pages) || i >= len(other.Pages):
			bad = append(bad, i+1)
		case m.Pages[i] != other.Pages[i]:
			bad = append(bad, i+1)
		}
	}
	return bad, nil
}
