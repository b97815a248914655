package service

import (
	"github.com/memorygame/internal/config"
	"github.com/memorygame/internal/models"
)

// Scores are reported back to the participant after every run.
type Scores struct {
	// HitRate is the share of repeat trials that got a response, or -1 when
	// the run had no repeats.
	HitRate       float64
	FalseAlarmNum int
}

func indicesWith(types []string, labels map[string]bool) []int {
	var idx []int
	for i, t := range types {
		if labels[t] {
			idx = append(idx, i)
		}
	}
	return idx
}

func labelSet(labels ...string) map[string]bool {
	set := make(map[string]bool, len(labels))
	for _, l := range labels {
		set[l] = true
	}
	return set
}

func countResponded(indices []int, responded map[int]bool) int {
	n := 0
	for _, i := range indices {
		if responded[i] {
			n++
		}
	}
	return n
}

func responseSet(responses []int) map[int]bool {
	set := make(map[int]bool, len(responses))
	for _, r := range responses {
		set[r] = true
	}
	return set
}

// ComputeScores scores a run. types holds the labels of the trials that
// were actually shown.
func ComputeScores(types []string, responses []int, labels config.ConditionLabels) Scores {
	responded := responseSet(responses)

	repeats := indicesWith(types, labelSet(labels.RepeatTrials...))
	noRepeats := indicesWith(types, labelSet(labels.NoRepeatTrials...))

	s := Scores{HitRate: -1, FalseAlarmNum: countResponded(noRepeats, responded)}
	if len(repeats) > 0 {
		s.HitRate = float64(countResponded(repeats, responded)) / float64(len(repeats))
	}
	return s
}

// PassesVigilance reports whether the worker caught enough vigilance repeats
// and kept false alarms on filler, target and vig trials below the criterion.
// Runs without vigilance repeats skip the hit-rate check; runs without any
// non-repeat trial have a false-alarm rate of 0.
func PassesVigilance(types []string, responses []int, criteria config.BlockingCriteria) bool {
	responded := responseSet(responses)

	vigRepeats := indicesWith(types, labelSet(models.LabelVigRepeat))
	if len(vigRepeats) > 0 {
		hitRate := float64(countResponded(vigRepeats, responded)) / float64(len(vigRepeats))
		if hitRate < criteria.VigHitRate {
			return false
		}
	}

	noRepeats := indicesWith(types, labelSet(models.LabelFiller, models.LabelTarget, models.LabelVig))
	if len(noRepeats) > 0 {
		faRate := float64(countResponded(noRepeats, responded)) / float64(len(noRepeats))
		if faRate >= criteria.FalseAlarmRate {
			return false
		}
	}
	return true
}
