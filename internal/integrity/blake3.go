// Package integrity provides BLAKE3 digests of produced artifacts and a
// small manifest format to verify them later.
package integrity

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/zeebo/blake3"
)

// ErrMismatch is returned when an artifact no longer matches its manifest.
var ErrMismatch = errors.New("integrity: digest mismatch")

// Hash computes the BLAKE3 hash of data.
func Hash(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

// HashHex computes the BLAKE3 hash and returns it as a hex string.
func HashHex(data []byte) string {
	return hex.EncodeToString(Hash(data))
}

// HashReader computes the BLAKE3 hash from an io.Reader and reports the
// number of bytes read.
func HashReader(r io.Reader) ([]byte, int64, error) {
	hasher := blake3.New()
	n, err := io.Copy(hasher, r)
	if err != nil {
		return nil, n, fmt.Errorf("integrity: failed to hash data: %w", err)
	}
	return hasher.Sum(nil), n, nil
}

// HashFile computes the BLAKE3 hash of a file.
func HashFile(path string) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("integrity: failed to open file: %w", err)
	}
	defer f.Close()

	return HashReader(f)
}

// HashFileHex computes the BLAKE3 hash of a file and returns it as a hex string.
func HashFileHex(path string) (string, error) {
	sum, _, err := HashFile(path)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

// Entry records one artifact.
type Entry struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	BLAKE3 string `json:"blake3"`
}

// Manifest lists artifacts relative to a directory.
type Manifest struct {
	Entries []Entry `json:"entries"`
}

// BuildManifest hashes the named files inside dir.
func BuildManifest(dir string, names ...string) (*Manifest, error) {
	m := &Manifest{Entries: make([]Entry, 0, len(names))}
	for _, name := range names {
		sum, size, err := HashFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		m.Entries = append(m.Entries, Entry{Name: name, Size: size, BLAKE3: hex.EncodeToString(sum)})
	}
	sort.Slice(m.Entries, func(i, j int) bool { return m.Entries[i].Name < m.Entries[j].Name })
	return m, nil
}

// Lookup returns the entry for name.
func (m *Manifest) Lookup(name string) (Entry, bool) {
	for _, e := range m.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Verify rehashes every entry inside dir. The first mismatch is returned
// wrapped in ErrMismatch.
func (m *Manifest) Verify(dir string) error {
	for _, e := range m.Entries {
		sum, size, err := HashFile(filepath.Join(dir, e.Name))
		if err != nil {
			return err
		}
		if size != e.Size || hex.EncodeToString(sum) != e.BLAKE3 {
			return fmt.Errorf("%w: %s", ErrMismatch, e.Name)
		}
	}
	return nil
}

// Save writes the manifest as indented JSON.
func (m *Manifest) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("integrity: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("integrity: %w", err)
	}
	return nil
}

// LoadManifest reads a manifest written by Save.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("integrity: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("integrity: %s: %w", path, err)
	}
	return &m, nil
}
