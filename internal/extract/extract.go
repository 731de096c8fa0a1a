// Package extract unpacks downloaded archives next to the archive itself.
package extract

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrUnsupported is returned for archive formats this package cannot read.
	ErrUnsupported = errors.New("unsupported_archive")
	// ErrUnsafePath is returned when an entry would land outside the destination.
	ErrUnsafePath = errors.New("unsafe_archive_path")
)

// Extractor post-processes a finished download.
type Extractor interface {
	Supports(path string) bool
	Extract(ctx context.Context, archivePath, destDir string) error
}

type format int

const (
	formatNone format = iota
	formatZip
	formatTar
	formatTarGz
)

var suffixes = []struct {
	ext string
	f   format
}{
	{".tar.gz", formatTarGz},
	{".tgz", formatTarGz},
	{".tar", formatTar},
	{".zip", formatZip},
}

func detect(path string) (format, string) {
	lower := strings.ToLower(path)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s.ext) {
			return s.f, s.ext
		}
	}
	return formatNone, ""
}

// DestDir returns the directory an archive unpacks into: a sibling folder
// named after the archive without its extension.
func DestDir(archivePath string) string {
	_, ext := detect(archivePath)
	if ext == "" {
		ext = filepath.Ext(archivePath)
	}
	base := filepath.Base(archivePath)
	return filepath.Join(filepath.Dir(archivePath), base[:len(base)-len(ext)])
}

// Archive handles zip, tar and gzip-compressed tar files.
type Archive struct{}

func (Archive) Supports(path string) bool {
	f, _ := detect(path)
	return f != formatNone
}

func (Archive) Extract(ctx context.Context, archivePath, destDir string) error {
	f, _ := detect(archivePath)
	if f == formatNone {
		return fmt.Errorf("%w: %s", ErrUnsupported, filepath.Base(archivePath))
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", destDir, err)
	}
	switch f {
	case formatZip:
		return unzip(ctx, archivePath, destDir)
	default:
		return untar(ctx, archivePath, destDir, f == formatTarGz)
	}
}

// safeJoin resolves name under dest, refusing absolute names and any path
// that climbs out of dest.
func safeJoin(dest, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	root := filepath.Clean(dest)
	target := filepath.Join(root, filepath.FromSlash(name))
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return target, nil
}

func unzip(ctx context.Context, src, dest string) error {
	r, err := zip.OpenReader(src)
	if errors.Is(err, zip.ErrInsecurePath) {
		if r != nil {
			r.Close()
		}
		return fmt.Errorf("%w: %s", ErrUnsafePath, filepath.Base(src))
	}
	if err != nil {
		return fmt.Errorf("open zip %s: %w", src, err)
	}
	defer r.Close()

	// Validate every entry before writing anything.
	targets := make([]string, len(r.File))
	for i, f := range r.File {
		target, err := safeJoin(dest, f.Name)
		if err != nil {
			return err
		}
		targets[i] = target
	}

	for i, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(targets[i], 0o755); err != nil {
				return err
			}
			continue
		}
		if err := writeZipEntry(f, targets[i]); err != nil {
			return err
		}
	}
	return nil
}

func writeZipEntry(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer rc.Close()
	return writeFile(target, rc, f.Mode().Perm())
}

func untar(ctx context.Context, src, dest string, gz bool) error {
	file, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open tar %s: %w", src, err)
	}
	defer file.Close()

	var r io.Reader = file
	if gz {
		gzr, err := gzip.NewReader(file)
		if err != nil {
			return fmt.Errorf("gzip reader for %s: %w", src, err)
		}
		defer gzr.Close()
		r = gzr
	}

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar %s: %w", src, err)
		}
		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, os.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		default:
			// links and devices are skipped
		}
	}
}

func writeFile(target string, r io.Reader, perm os.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	return out.Close()
}
