package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ulikunitz/xz"
)

// WriteSnapshot creates a snapshot archive at dstPath containing the
// database file at dbPath, the metadata in info, and an optional checksum
// manifest. The compression format follows dstPath's extension: .tar.gz
// or .tar.xz.
func WriteSnapshot(dstPath string, info Info, dbPath string, manifest []byte) error {
	if info.Database == "" {
		info.Database = filepath.Base(dbPath)
	}
	if info.CreatedAt == "" {
		info.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	outFile, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer outFile.Close()

	var compressor io.WriteCloser
	switch DetectFormat(dstPath) {
	case "tar.xz":
		xzw, err := xz.NewWriter(outFile)
		if err != nil {
			return fmt.Errorf("xz writer: %w", err)
		}
		compressor = xzw
	case "tar.gz":
		compressor = gzip.NewWriter(outFile)
	default:
		return fmt.Errorf("unsupported archive format: %s", dstPath)
	}

	tw := tar.NewWriter(compressor)
	now := time.Now()

	infoData, err := info.marshal()
	if err != nil {
		return fmt.Errorf("marshal snapshot info: %w", err)
	}
	if err := writeEntry(tw, InfoFileName, infoData, now); err != nil {
		return err
	}
	if len(manifest) > 0 {
		if err := writeEntry(tw, ManifestFileName, manifest, now); err != nil {
			return err
		}
	}
	if err := writeFileEntry(tw, info.Database, dbPath, now); err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return fmt.Errorf("close compressor: %w", err)
	}
	return outFile.Close()
}

func writeEntry(tw *tar.Writer, name string, data []byte, modTime time.Time) error {
	header := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    int64(len(data)),
		ModTime: modTime,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write entry %s: %w", name, err)
	}
	return nil
}

func writeFileEntry(tw *tar.Writer, name, path string, modTime time.Time) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	header := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    fi.Size(),
		ModTime: modTime,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("write entry %s: %w", name, err)
	}
	return nil
}
