package vectorindex

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	fileMagic   = "RECALLIDX"
	fileVersion = 1
)

var (
	// ErrCorrupt is returned by Load for files that cannot be decoded or
	// fail their own consistency checks.
	ErrCorrupt = errors.New("corrupt index file")
	// ErrMismatch is returned by Load when the file was written for another
	// index kind or dimension.
	ErrMismatch = errors.New("index file does not match configuration")
)

type indexFile struct {
	Magic      string      `msgpack:"magic"`
	Version    int         `msgpack:"version"`
	Kind       Kind        `msgpack:"kind"`
	Dim        int         `msgpack:"dim"`
	Count      int         `msgpack:"count"`
	Generation string      `msgpack:"generation"`
	Entries    []fileEntry `msgpack:"entries"`
}

type fileEntry struct {
	ID     int64     `msgpack:"id"`
	Vector []float32 `msgpack:"vector"`
}

// Save writes idx to path atomically: the data goes to a temporary file in
// the same directory, is synced, and then renamed over path. A crash leaves
// either the old file or the new one, never a mix.
func Save(path string, idx Index) error {
	entries := idx.Entries()
	f := indexFile{
		Magic:      fileMagic,
		Version:    fileVersion,
		Kind:       idx.Kind(),
		Dim:        idx.Dim(),
		Count:      len(entries),
		Generation: idx.Generation().String(),
		Entries:    make([]fileEntry, len(entries)),
	}
	for i, e := range entries {
		f.Entries[i] = fileEntry{ID: e.ID, Vector: e.Vector}
	}

	data, err := msgpack.Marshal(&f)
	if err != nil {
		return fmt.Errorf("encoding index: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp index file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp index file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp index file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp index file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing index file: %w", err)
	}
	committed = true

	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening index directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing index directory: %w", err)
	}
	return nil
}

// Load reads an index file written by Save and rebuilds it as an index of
// the given kind and dimension. A missing file yields an error matching
// os.ErrNotExist.
func Load(path string, kind Kind, dim int) (Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading index file: %w", err)
	}

	var f indexFile
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if f.Magic != fileMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorrupt, f.Magic)
	}
	if f.Version != fileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, f.Version)
	}
	if f.Count != len(f.Entries) {
		return nil, fmt.Errorf("%w: header count %d, found %d entries", ErrCorrupt, f.Count, len(f.Entries))
	}
	gen, err := uuid.Parse(f.Generation)
	if err != nil {
		return nil, fmt.Errorf("%w: generation: %v", ErrCorrupt, err)
	}
	if f.Kind != kind {
		return nil, fmt.Errorf("%w: kind %q, want %q", ErrMismatch, f.Kind, kind)
	}
	if f.Dim != dim {
		return nil, fmt.Errorf("%w: dimension %d, want %d", ErrMismatch, f.Dim, dim)
	}

	entries := make([]Entry, len(f.Entries))
	for i, e := range f.Entries {
		entries[i] = Entry{ID: e.ID, Vector: e.Vector}
	}
	idx, err := build(kind, dim, entries, gen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return idx, nil
}
