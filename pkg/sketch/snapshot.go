package sketch

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/ritzau/provgraph/pkg/logging"
)

type snapshot struct {
	Host  string
	Local *MatrixFilter
	Cache map[string]*MatrixFilter
}

// Save writes the local sketch and the peer cache to path as a
// zstd-compressed gob stream. The file is replaced atomically.
func (m *Manager) Save(path string) error {
	x := m.exchange()
	snap := snapshot{Host: m.host, Local: x.Local, Cache: x.Cache}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".sketch-*")
	if err != nil {
		return fmt.Errorf("creating snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		tmp.Close()
		return err
	}
	if err := gob.NewEncoder(zw).Encode(snap); err != nil {
		zw.Close()
		tmp.Close()
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("compressing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	logging.Info("saved sketch snapshot", "path", path, "connections", snap.Local.Len(), "peers", len(snap.Cache))
	return nil
}

// Load restores a snapshot written by Save. A missing file is not an error.
// The local sketch is only restored when the snapshot was taken on this
// host.
func (m *Manager) Load(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}
	defer zr.Close()

	var snap snapshot
	if err := gob.NewDecoder(zr).Decode(&snap); err != nil {
		return fmt.Errorf("decoding snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Host == m.host && snap.Local != nil {
		m.local = snap.Local
	} else {
		logging.Warn("ignoring local sketch from another host", "snapshot", snap.Host, "host", m.host)
	}
	for h, c := range snap.Cache {
		if h != m.host && c != nil {
			m.cache[h] = c
		}
	}
	logging.Info("loaded sketch snapshot", "path", path, "connections", m.local.Len(), "peers", len(m.cache))
	return nil
}
