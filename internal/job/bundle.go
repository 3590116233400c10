package job

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cvalentine99/nfa-ids/internal/features"
	"github.com/cvalentine99/nfa-ids/internal/models"
	"github.com/cvalentine99/nfa-ids/internal/table"
)

// ErrBadBundle is returned by ReadBundle for archives that do not hold
// exactly one unprocessed and one processed table of equal length.
var ErrBadBundle = errors.New("job: malformed bundle")

// writeBundle zips files by base name into path via a temp file.
func writeBundle(path string, files ...string) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".bundle-*")
	if err != nil {
		return fmt.Errorf("create bundle: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	zw := zip.NewWriter(tmp)
	for _, name := range files {
		if err = addFile(zw, name); err != nil {
			zw.Close()
			tmp.Close()
			return err
		}
	}
	if err = zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("finish bundle: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("finish bundle: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("store bundle: %w", err)
	}
	return nil
}

func addFile(zw *zip.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("bundle %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{Name: filepath.Base(path), Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("bundle %s: %w", filepath.Base(path), err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("bundle %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Bundle is the decoded content of files.zip.
type Bundle struct {
	Unprocessed *models.Table
	Processed   *features.Matrix
}

// ReadBundle opens a bundle written by Retrieve. The processed table must
// have exactly the classifier's column count and as many rows as the
// unprocessed table.
func ReadBundle(path string) (*Bundle, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("job: open bundle: %w", err)
	}
	defer zr.Close()

	if len(zr.File) != 2 {
		return nil, fmt.Errorf("%w: %d members, want 2", ErrBadBundle, len(zr.File))
	}

	b := &Bundle{}
	for _, f := range zr.File {
		switch {
		case strings.HasSuffix(f.Name, unprocessedSuffix):
			b.Unprocessed, err = readMember(f, table.ReadAllFrom)
		case strings.HasSuffix(f.Name, processedSuffix):
			b.Processed, err = readMember(f, func(r io.Reader) (*features.Matrix, error) {
				return table.ReadMatrixFrom(r, features.OptimalFeatures)
			})
		default:
			return nil, fmt.Errorf("%w: unexpected member %s", ErrBadBundle, f.Name)
		}
		if err != nil {
			return nil, fmt.Errorf("job: bundle member %s: %w", f.Name, err)
		}
	}

	if b.Unprocessed == nil || b.Processed == nil {
		return nil, fmt.Errorf("%w: missing table", ErrBadBundle)
	}
	if b.Unprocessed.Len() != b.Processed.Len() {
		return nil, fmt.Errorf("%w: %d unprocessed rows, %d processed rows", ErrBadBundle, b.Unprocessed.Len(), b.Processed.Len())
	}
	return b, nil
}

func readMember[T any](f *zip.File, read func(io.Reader) (T, error)) (T, error) {
	rc, err := f.Open()
	if err != nil {
		var zero T
		return zero, err
	}
	defer rc.Close()
	return read(rc)
}
