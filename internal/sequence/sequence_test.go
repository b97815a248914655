package sequence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorygame/internal/models"
)

func writeTrack(t *testing.T, dir, name string, track Track) string {
	t.Helper()
	data, err := json.Marshal(track)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func sampleTrack() Track {
	return Track{
		Sequences: [][]string{
			{"a", "b", "a", "v", "v", "c"},
			{"d", "e", "f", "d"},
		},
		Types: [][]string{
			{"target", "filler", "target repeat", "vig", "vig repeat", "filler"},
			{"target", "filler", "filler", "target repeat"},
		},
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeTrack(t, dir, "track_0001.json", sampleTrack())

	track, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, track.NumBlocks())

	images, types, err := track.Block(1)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "e", "f", "d"}, images)
	assert.Equal(t, "target repeat", types[3])

	_, _, err = track.Block(2)
	assert.ErrorIs(t, err, ErrBlockOutOfRange)
	_, _, err = track.Block(-1)
	assert.ErrorIs(t, err, ErrBlockOutOfRange)
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name  string
		track Track
	}{
		{"empty", Track{}},
		{"missing types", Track{Sequences: [][]string{{"a"}}}},
		{"length mismatch", Track{Sequences: [][]string{{"a", "b"}}, Types: [][]string{{"filler"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTrack(t, dir, tt.name+".json", tt.track))
			assert.Error(t, err)
		})
	}

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o644))
	_, err := Load(bad)
	assert.ErrorContains(t, err, "failed to parse")

	_, err = Load(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestAvailable(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"track_0003.json", "track_0001.json", "track_0002.json", "preview.json"} {
		writeTrack(t, dir, name, sampleTrack())
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	all, err := List(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"preview.json", "track_0001.json", "track_0002.json", "track_0003.json"}, all)

	available, err := Available(dir, []string{filepath.Join(dir, "track_0001.json")}, filepath.Join(dir, "preview.json"))
	require.NoError(t, err)
	assert.Equal(t, []string{"track_0002.json", "track_0003.json"}, available)

	available, err = Available(dir, []string{"track_0001.json", "track_0002.json", "track_0003.json"}, filepath.Join(dir, "preview.json"))
	require.NoError(t, err)
	assert.Empty(t, available)
}

func TestLibrary_CachesTracks(t *testing.T) {
	dir := t.TempDir()
	path := writeTrack(t, dir, "track_0001.json", sampleTrack())

	lib := NewLibrary()
	first, err := lib.Get(path)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	second, err := lib.Get(path)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestRepeatDistances(t *testing.T) {
	track := sampleTrack()
	assert.Equal(t, []int{2}, RepeatDistances(track.Sequences[0], track.Types[0], models.LabelTargetRepeat))
	assert.Equal(t, []int{1}, RepeatDistances(track.Sequences[0], track.Types[0], models.LabelVigRepeat))
	assert.Equal(t, []int{3}, RepeatDistances(track.Sequences[1], track.Types[1], models.LabelTargetRepeat))
	assert.Empty(t, RepeatDistances([]string{"a"}, []string{"filler"}, models.LabelTargetRepeat))
}

func TestAnalyze(t *testing.T) {
	track := sampleTrack()
	report := Analyze(map[string]*Track{"track_0001.json": &track}, []string{models.LabelTargetRepeat})

	assert.Equal(t, 1, report.NumTracks)
	require.Len(t, report.Blocks, 2)
	assert.Equal(t, map[string]int{"target": 1, "filler": 2, "target repeat": 1, "vig": 1, "vig repeat": 1}, report.Blocks[0].Counts)
	assert.Equal(t, 4, report.Blocks[1].NumTrials)

	want := DistanceStats{N: 2, Mean: 2.5, Min: 2, Max: 3}
	if diff := cmp.Diff(want, report.TargetDistances); diff != "" {
		t.Errorf("target distances mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, DistanceStats{N: 1, Mean: 1, Min: 1, Max: 1}, report.VigDistances)

	// position 2 is a repeat in block 0 only, position 3 in block 1 only,
	// positions 4 and 5 exist in block 0 only
	wantProb := []float64{0, 0, 0.5, 0.5, 0, 0}
	if diff := cmp.Diff(wantProb, report.RepeatProbability); diff != "" {
		t.Errorf("repeat probability mismatch (-want +got):\n%s", diff)
	}
}

func TestAnalyze_Empty(t *testing.T) {
	report := Analyze(nil, nil)
	assert.Equal(t, 0, report.NumTracks)
	assert.Empty(t, report.Blocks)
	assert.Empty(t, report.RepeatProbability)
}

func TestSampleTracks(t *testing.T) {
	dir := filepath.Join("..", "..", "sequences")

	names, err := Available(dir, nil, filepath.Join(dir, "preview.json"))
	require.NoError(t, err)
	assert.Equal(t, []string{"track_0001.json", "track_0002.json"}, names)

	for _, name := range append(names, "preview.json") {
		track, err := Load(filepath.Join(dir, name))
		require.NoError(t, err, name)
		for b := 0; b < track.NumBlocks(); b++ {
			images, types, err := track.Block(b)
			require.NoError(t, err)
			assert.Equal(t, []int{5}, RepeatDistances(images, types, models.LabelTargetRepeat))
			assert.Equal(t, []int{1}, RepeatDistances(images, types, models.LabelVigRepeat))
		}
	}
}
