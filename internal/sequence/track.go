// Package sequence reads the pre-built tracks that are assigned to workers.
// A track is a JSON file holding several blocks, one block per run.
package sequence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var ErrBlockOutOfRange = errors.New("block index out of range")

// Track is one sequence file.
type Track struct {
	Sequences [][]string `json:"sequences"`
	Types     [][]string `json:"types"`
}

// Load reads and validates a track file.
func Load(path string) (*Track, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read track: %w", err)
	}

	var t Track
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse track %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid track %s: %w", path, err)
	}
	return &t, nil
}

// Validate checks that every block has one label per image.
func (t *Track) Validate() error {
	if len(t.Sequences) == 0 {
		return fmt.Errorf("track has no blocks")
	}
	if len(t.Sequences) != len(t.Types) {
		return fmt.Errorf("%d blocks but %d type lists", len(t.Sequences), len(t.Types))
	}
	for i := range t.Sequences {
		if len(t.Sequences[i]) != len(t.Types[i]) {
			return fmt.Errorf("block %d: %d images but %d types", i, len(t.Sequences[i]), len(t.Types[i]))
		}
	}
	return nil
}

// NumBlocks returns how many runs the track holds
func (t *Track) NumBlocks() int {
	return len(t.Sequences)
}

// Block returns the images and labels of block i.
func (t *Track) Block(i int) (images, types []string, err error) {
	if i < 0 || i >= len(t.Sequences) {
		return nil, nil, fmt.Errorf("%w: %d of %d", ErrBlockOutOfRange, i, len(t.Sequences))
	}
	return t.Sequences[i], t.Types[i], nil
}

// List returns the sorted base names of the track files in dir.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracks: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Available returns the sorted track files in dir that are neither assigned
// nor the preview track. Assigned entries may be base names or paths.
func Available(dir string, assigned []string, previewFile string) ([]string, error) {
	names, err := List(dir)
	if err != nil {
		return nil, err
	}

	taken := make(map[string]bool, len(assigned))
	for _, a := range assigned {
		taken[filepath.Base(a)] = true
	}

	var previewInfo os.FileInfo
	if previewFile != "" {
		previewInfo, _ = os.Stat(previewFile)
	}

	available := make([]string, 0, len(names))
	for _, name := range names {
		if taken[name] {
			continue
		}
		if previewInfo != nil {
			if info, err := os.Stat(filepath.Join(dir, name)); err == nil && os.SameFile(info, previewInfo) {
				continue
			}
		}
		available = append(available, name)
	}
	return available, nil
}

// Library loads tracks on first use and keeps them.
type Library struct {
	mu     sync.RWMutex
	tracks map[string]*Track
}

// NewLibrary creates an empty track cache
func NewLibrary() *Library {
	return &Library{tracks: make(map[string]*Track)}
}

// Get returns the track at path, loading it if needed.
func (l *Library) Get(path string) (*Track, error) {
	key := filepath.Clean(path)

	l.mu.RLock()
	t, ok := l.tracks[key]
	l.mu.RUnlock()
	if ok {
		return t, nil
	}

	t, err := Load(key)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.tracks[key] = t
	l.mu.Unlock()
	return t, nil
}
