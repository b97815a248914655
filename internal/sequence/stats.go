package sequence

import (
	"math"
	"sort"

	"github.com/memorygame/internal/models"
)

// DistanceStats summarizes the gaps between first presentations and repeats.
type DistanceStats struct {
	N    int
	Mean float64
	Min  int
	Max  int
}

// BlockStats describes one block of one track.
type BlockStats struct {
	Track           string
	Block           int
	NumTrials       int
	Counts          map[string]int
	TargetDistances DistanceStats
	VigDistances    DistanceStats
}

// Report aggregates statistics over a set of tracks.
type Report struct {
	NumTracks       int
	Blocks          []BlockStats
	TargetDistances DistanceStats
	VigDistances    DistanceStats
	// RepeatProbability[p] is the share of blocks with a repeat label at position p.
	RepeatProbability []float64
}

// RepeatDistances returns, for each trial labelled label, the distance back
// to the previous presentation of the same image.
func RepeatDistances(images, types []string, label string) []int {
	lastSeen := make(map[string]int, len(images))
	var dists []int
	for i, img := range images {
		if i < len(types) && types[i] == label {
			if j, ok := lastSeen[img]; ok {
				dists = append(dists, i-j)
			}
		}
		lastSeen[img] = i
	}
	return dists
}

func summarize(dists []int) DistanceStats {
	if len(dists) == 0 {
		return DistanceStats{}
	}
	s := DistanceStats{N: len(dists), Min: math.MaxInt, Max: math.MinInt}
	sum := 0
	for _, d := range dists {
		sum += d
		s.Min = min(s.Min, d)
		s.Max = max(s.Max, d)
	}
	s.Mean = float64(sum) / float64(len(dists))
	return s
}

// Analyze computes per-block composition and repeat statistics. tracks maps
// a track name to its contents; repeatLabels decide what counts as a repeat
// for the position histogram.
func Analyze(tracks map[string]*Track, repeatLabels []string) Report {
	isRepeat := make(map[string]bool, len(repeatLabels))
	for _, l := range repeatLabels {
		isRepeat[l] = true
	}

	names := make([]string, 0, len(tracks))
	for name := range tracks {
		names = append(names, name)
	}
	sort.Strings(names)

	report := Report{NumTracks: len(tracks)}
	var allTargets, allVigs []int
	var repeats, seen []int

	for _, name := range names {
		t := tracks[name]
		for b := range t.Sequences {
			images, types := t.Sequences[b], t.Types[b]

			counts := make(map[string]int)
			for _, label := range types {
				counts[label]++
			}
			targets := RepeatDistances(images, types, models.LabelTargetRepeat)
			vigs := RepeatDistances(images, types, models.LabelVigRepeat)
			allTargets = append(allTargets, targets...)
			allVigs = append(allVigs, vigs...)

			for len(seen) < len(types) {
				seen = append(seen, 0)
				repeats = append(repeats, 0)
			}
			for p, label := range types {
				seen[p]++
				if isRepeat[label] {
					repeats[p]++
				}
			}

			report.Blocks = append(report.Blocks, BlockStats{
				Track:           name,
				Block:           b,
				NumTrials:       len(images),
				Counts:          counts,
				TargetDistances: summarize(targets),
				VigDistances:    summarize(vigs),
			})
		}
	}

	report.TargetDistances = summarize(allTargets)
	report.VigDistances = summarize(allVigs)
	report.RepeatProbability = make([]float64, len(seen))
	for p := range seen {
		report.RepeatProbability[p] = float64(repeats[p]) / float64(seen[p])
	}
	return report
}
