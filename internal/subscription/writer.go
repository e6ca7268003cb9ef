package subscription

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zeebo/xxh3"
)

// Writer stores subscription files under one directory. Writes are atomic
// (temp file + rename) and identical content is not rewritten.
type Writer struct {
	dir string
	// fingerprints maps uuid to the xxh3 hash of the last written body.
	fingerprints *xsync.Map[string, uint64]
}

// NewWriter creates the directory if needed.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create subscription dir %s: %w", dir, err)
	}
	return &Writer{dir: dir, fingerprints: xsync.NewMap[string, uint64]()}, nil
}

// Dir returns the directory files are written to.
func (w *Writer) Dir() string { return w.dir }

// Path returns the file path of a service's subscription.
func (w *Writer) Path(uuid string) (string, error) {
	if err := validateName(uuid); err != nil {
		return "", err
	}
	return filepath.Join(w.dir, uuid+".txt"), nil
}

// Write replaces the subscription of uuid with links.
func (w *Writer) Write(uuid string, links []string) error {
	path, err := w.Path(uuid)
	if err != nil {
		return err
	}
	body := Encode(links)
	sum := xxh3.Hash(body)
	if prev, ok := w.fingerprints.Load(uuid); ok && prev == sum {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
	}
	if err := writeFileAtomic(path, body); err != nil {
		return fmt.Errorf("write subscription %s: %w", uuid, err)
	}
	w.fingerprints.Store(uuid, sum)
	return nil
}

// WritePlaceholder writes the empty subscription served until configs exist.
func (w *Writer) WritePlaceholder(uuid string) error {
	return w.Write(uuid, nil)
}

// Remove deletes the subscription of uuid. A missing file is not an error.
func (w *Writer) Remove(uuid string) error {
	path, err := w.Path(uuid)
	if err != nil {
		return err
	}
	w.fingerprints.Delete(uuid)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove subscription %s: %w", uuid, err)
	}
	return nil
}

// Read returns the stored links of uuid. A missing file yields os.ErrNotExist.
func (w *Writer) Read(uuid string) ([]string, error) {
	path, err := w.Path(uuid)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(content)
}

func validateName(uuid string) error {
	if uuid == "" || strings.ContainsAny(uuid, `/\`) || uuid == "." || uuid == ".." {
		return fmt.Errorf("invalid subscription name %q", uuid)
	}
	return nil
}

func writeFileAtomic(path string, body []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".sub-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
