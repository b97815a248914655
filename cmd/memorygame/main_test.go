package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorygame/internal/config"
	"github.com/memorygame/internal/engine"
	"github.com/memorygame/internal/sequence"
	"github.com/memorygame/internal/storage"
	"github.com/memorygame/pkg/logger"
)

func writeTrack(t *testing.T, dir, name string, track sequence.Track) string {
	t.Helper()
	data, err := json.Marshal(track)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func sampleTrack() sequence.Track {
	return sequence.Track{
		Sequences: [][]string{
			{"a.jpg", "b.jpg", "a.jpg", "c.jpg", "c.jpg"},
			{"d.jpg", "d.jpg"},
		},
		Types: [][]string{
			{"target", "filler", "target repeat", "vig", "vig repeat"},
			{"vig", "vig repeat"},
		},
	}
}

func TestLoadTracks(t *testing.T) {
	dir := t.TempDir()
	file := writeTrack(t, dir, "track_0001.json", sampleTrack())
	writeTrack(t, dir, "track_0002.json", sampleTrack())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	tracks, err := loadTracks(dir)
	require.NoError(t, err)
	assert.Len(t, tracks, 2)
	assert.Contains(t, tracks, "track_0002.json")

	tracks, err = loadTracks(file)
	require.NoError(t, err)
	assert.Len(t, tracks, 1)

	_, err = loadTracks(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestPrintBlock(t *testing.T) {
	track := sampleTrack()
	var buf bytes.Buffer

	require.NoError(t, printBlock(&buf, &track, 1))
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[2]), "vig repeat")

	assert.ErrorIs(t, printBlock(&buf, &track, 2), sequence.ErrBlockOutOfRange)
}

func TestPrintReport(t *testing.T) {
	track := sampleTrack()
	report := sequence.Analyze(map[string]*sequence.Track{"t.json": &track}, []string{"target repeat", "vig repeat"})

	var buf bytes.Buffer
	require.NoError(t, printReport(&buf, report))
	require.NoError(t, printPositions(&buf, report))

	out := buf.String()
	assert.Contains(t, out, "1 tracks, 2 blocks")
	assert.Contains(t, out, "filler=1 target=1 target repeat=1 vig=1 vig repeat=1")
	assert.Contains(t, out, "target repeat distance: n=1 mean=2.0 min=2 max=2")
	assert.Contains(t, out, "P(REPEAT)")
}

func TestFormatDistances(t *testing.T) {
	assert.Equal(t, "-", formatDistances(sequence.DistanceStats{}))
	assert.Equal(t, "n=2 mean=1.5 min=1 max=2", formatDistances(sequence.DistanceStats{N: 2, Mean: 1.5, Min: 1, Max: 2}))
}

func TestOpenRepository(t *testing.T) {
	ctx := context.Background()
	log := logger.NewNop()

	repo, err := openRepository(ctx, &config.Config{StorageDriver: config.DriverMemory}, log)
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryStorage{}, repo)

	repo, err = openRepository(ctx, &config.Config{StorageDriver: config.DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "db.sqlite")}, log)
	require.NoError(t, err)
	assert.NoError(t, repo.Close())

	_, err = openRepository(ctx, &config.Config{StorageDriver: "postgres"}, log)
	assert.Error(t, err)
}

func TestParticipantRecognizesRepeats(t *testing.T) {
	p := newParticipant(32, 0, logger.NewNop())

	assert.NoError(t, p.ShowStimulus(engine.Trial{Index: 0, Stimulus: "a.jpg"}))
	assert.Empty(t, p.presses)

	assert.NoError(t, p.ShowStimulus(engine.Trial{Index: 1, Stimulus: "a.jpg"}))
	assert.Len(t, p.presses, 1)

	// A pending press is not doubled.
	assert.NoError(t, p.ShowStimulus(engine.Trial{Index: 2, Stimulus: "a.jpg"}))
	assert.Len(t, p.presses, 1)

	p.forget()
	assert.False(t, p.recognize("a.jpg"))
	assert.True(t, p.recognize("a.jpg"))
}
