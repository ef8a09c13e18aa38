package meta

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/vecdbio/vecdb/codec"
	"github.com/vecdbio/vecdb/internal/fs"
)

const (
	manifestFilePrefix = "MANIFEST"
	currentFileName    = "CURRENT"
)

// snapshot is the on-disk representation of the store's full state. It is
// self-describing: Codec records the name of the codec used to encode it,
// so a future reader can pick the matching codec.Codec by name.
type snapshot struct {
	Codec   string  `json:"codec"`
	NextID  uint64  `json:"next_id"`
	Tables  []Table `json:"tables"`
	Files   []File  `json:"files"`
	Version int     `json:"version"`
}

const snapshotVersion = 1

// persister durably saves and loads a snapshot using an atomic
// write-temp-then-rename-then-fsync sequence, mirroring how segment
// manifests are committed elsewhere in this codebase.
type persister struct {
	fsys  fs.FileSystem
	dir   string
	codec codec.Codec
	mu    sync.Mutex
	seq   uint64
}

func newPersister(fsys fs.FileSystem, dir string, c codec.Codec) *persister {
	if fsys == nil {
		fsys = fs.Default
	}
	if c == nil {
		c = codec.Default
	}
	return &persister{fsys: fsys, dir: dir, codec: c}
}

func (p *persister) load() (*snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dir == "" {
		return &snapshot{Version: snapshotVersion, Codec: p.codec.Name()}, nil
	}

	currentPath := filepath.Join(p.dir, currentFileName)
	name, err := p.readFile(currentPath)
	if os.IsNotExist(err) {
		return &snapshot{Version: snapshotVersion, Codec: p.codec.Name()}, nil
	}
	if err != nil {
		return nil, err
	}

	data, err := p.readFile(filepath.Join(p.dir, string(name)))
	if err != nil {
		return nil, err
	}

	var snap snapshot
	c := p.codec
	if named, ok := codecByNameInSnapshot(data, c); ok {
		c = named
	}
	if err := c.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("meta: unsupported manifest version %d (want %d)", snap.Version, snapshotVersion)
	}
	return &snap, nil
}

// codecByNameInSnapshot peeks the codec field without fully decoding, so a
// manifest can be read even if the store's configured Default codec has
// since changed. Falls back to the caller-provided codec on any failure.
func codecByNameInSnapshot(data []byte, fallback codec.Codec) (codec.Codec, bool) {
	var probe struct {
		Codec string `json:"codec"`
	}
	if err := (codec.JSON{}).Unmarshal(data, &probe); err != nil || probe.Codec == "" {
		return fallback, false
	}
	if c, ok := codec.ByName(probe.Codec); ok {
		return c, true
	}
	return fallback, false
}

func (p *persister) save(snap *snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dir == "" {
		return nil
	}

	if err := p.fsys.MkdirAll(p.dir, 0o755); err != nil {
		return err
	}

	snap.Version = snapshotVersion
	snap.Codec = p.codec.Name()
	p.seq++

	filename := fmt.Sprintf("%s-%06d.json", manifestFilePrefix, p.seq)
	path := filepath.Join(p.dir, filename)

	data, err := p.codec.Marshal(snap)
	if err != nil {
		return err
	}

	if err := p.writeAtomic(path, data); err != nil {
		return err
	}
	if err := p.writeAtomic(filepath.Join(p.dir, currentFileName), []byte(filename)); err != nil {
		return err
	}
	return p.syncDir()
}

func (p *persister) writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := p.fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		p.fsys.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		p.fsys.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		p.fsys.Remove(tmp)
		return err
	}
	if err := p.fsys.Rename(tmp, path); err != nil {
		p.fsys.Remove(tmp)
		return err
	}
	return nil
}

func (p *persister) syncDir() error {
	f, err := p.fsys.OpenFile(p.dir, os.O_RDONLY, 0)
	if err != nil {
		// Not all filesystems (or FaultyFS test doubles) support opening a
		// directory for read; treat this as best-effort.
		return nil
	}
	defer f.Close()
	return f.Sync()
}

func (p *persister) readFile(path string) ([]byte, error) {
	f, err := p.fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
