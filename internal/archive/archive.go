// Package archive unpacks zip and tar source archives.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// Format identifies a supported archive format.
type Format string

const (
	// FormatZip is a PKZIP archive.
	FormatZip Format = "zip"
	// FormatTar is a POSIX tar archive, optionally gzip-compressed.
	FormatTar Format = "tar"
)

var (
	// ErrUnknownFormat indicates an unsupported archive format.
	ErrUnknownFormat = errors.New("unknown archive format")

	// ErrInsecurePath indicates an archive entry that would escape the
	// destination directory.
	ErrInsecurePath = errors.New("insecure path in archive")
)

// FormatForContentType maps a download Content-Type to an archive format.
func FormatForContentType(contentType string) (Format, bool) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", false
	}
	switch mediaType {
	case "application/zip":
		return FormatZip, true
	case "application/x-gtar":
		return FormatTar, true
	}
	return "", false
}

// Unpack extracts every entry of the archive at archivePath into destDir.
// Extraction is CPU-bound; callers are expected to bound concurrency.
func Unpack(format Format, archivePath, destDir string) error {
	switch format {
	case FormatZip:
		return unpackZip(archivePath, destDir)
	case FormatTar:
		return unpackTar(archivePath, destDir)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func unpackZip(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip archive: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		target, err := securePath(destDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		src, err := f.Open()
		if err != nil {
			return fmt.Errorf("read zip entry %q: %w", f.Name, err)
		}
		err = writeFile(target, src, f.Mode())
		src.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func unpackTar(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open tar archive: %w", err)
	}
	defer f.Close()

	var src io.Reader = bufio.NewReader(f)
	src, err = maybeGzip(src.(*bufio.Reader))
	if err != nil {
		return err
	}

	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar archive: %w", err)
		}
		target, err := securePath(destDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeFile(target, tr, hdr.FileInfo().Mode()); err != nil {
				return err
			}
		default:
			// Links, devices and the like are not part of source
			// archives; skip them.
		}
	}
}

// maybeGzip wraps r in a gzip reader when the stream carries the gzip
// magic bytes. Tar archives arrive both plain and compressed under the
// same content type.
func maybeGzip(r *bufio.Reader) (io.Reader, error) {
	magic, err := r.Peek(2)
	if err != nil {
		return nil, fmt.Errorf("read tar archive: %w", err)
	}
	if magic[0] != 0x1f || magic[1] != 0x8b {
		return r, nil
	}
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("read gzip stream: %w", err)
	}
	return gz, nil
}

func securePath(destDir, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == "." {
		return destDir, nil
	}
	if filepath.IsAbs(cleaned) || !filepath.IsLocal(cleaned) {
		return "", fmt.Errorf("%w: %q", ErrInsecurePath, name)
	}
	return filepath.Join(destDir, cleaned), nil
}

func writeFile(target string, src io.Reader, mode os.FileMode) error {
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
