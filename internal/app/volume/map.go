package volume

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/dkeye/Calls/internal/domain"
	"github.com/rs/zerolog/log"
)

const DefaultGain = 1.0

// Map is the per-user playback gain, persisted to a JSON file. It outlives
// call sessions.
type Map struct {
	path string

	mu    sync.RWMutex
	gains map[domain.UserID]float64
}

// Open loads path if it exists. An empty path keeps the map in memory only.
func Open(path string) (*Map, error) {
	m := &Map{path: path, gains: make(map[domain.UserID]float64)}
	if path == "" {
		return m, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read volumes: %w", err)
	}
	if err := json.Unmarshal(data, &m.gains); err != nil {
		log.Warn().Err(err).Str("module", "volume").Str("file", path).Msg("ignoring corrupt volume file")
		m.gains = make(map[domain.UserID]float64)
		return m, nil
	}
	for id, g := range m.gains {
		m.gains[id] = clamp(g)
	}
	return m, nil
}

func (m *Map) Get(id domain.UserID) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if g, ok := m.gains[id]; ok {
		return g
	}
	return DefaultGain
}

// Set stores gain clamped to [0, 1] and returns the stored value.
func (m *Map) Set(id domain.UserID, gain float64) (float64, error) {
	gain = clamp(gain)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gains[id] = gain
	if err := m.save(); err != nil {
		return gain, err
	}
	return gain, nil
}

func (m *Map) All() map[domain.UserID]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.gains)
}

// save writes through a temp file and rename. Caller holds mu.
func (m *Map) save() error {
	if m.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.gains, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("volume dir: %w", err)
	}
	f, err := os.CreateTemp(dir, ".volumes-*")
	if err != nil {
		return fmt.Errorf("volume temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write volumes: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write volumes: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write volumes: %w", err)
	}
	return nil
}

func clamp(g float64) float64 {
	switch {
	case math.IsNaN(g), g < 0:
		return 0
	case g > 1:
		return 1
	}
	return g
}
