package engine

import "time"

// Position is where a run is expected to be at a point in time.
type Position struct {
	Phase      Phase
	TrialIndex int
}

// PositionAt computes the expected position of an undisturbed run.
//
// This is a pure function: same inputs always produce same outputs. It mirrors
// the sequencer's timeline:
//   - [0, cycle): lead-in (start image, then fixation), index -1
//   - trial k stimulus starts at cycle*(k+1) and lasts imageDuration
//   - fixation follows for fixationDuration
//   - the run ends at cycle*(numTrials+1)
//
// where cycle = imageDuration + fixationDuration. Boundaries belong to the
// later phase, matching a clock that fires callbacks at their deadline.
func PositionAt(numTrials int, imageDuration, fixationDuration, elapsed time.Duration) Position {
	cycle := imageDuration + fixationDuration
	if elapsed < cycle || cycle <= 0 {
		return Position{Phase: PhaseStart, TrialIndex: StartIndex}
	}

	sinceFirst := elapsed - cycle
	k := int(sinceFirst / cycle)
	if k >= numTrials {
		return Position{Phase: PhaseEnded, TrialIndex: numTrials}
	}

	if sinceFirst%cycle < imageDuration {
		return Position{Phase: PhaseStimulus, TrialIndex: k}
	}
	return Position{Phase: PhaseFixation, TrialIndex: k}
}

// RunDuration is the wall time of an undisturbed run, lead-in included.
func RunDuration(numTrials int, imageDuration, fixationDuration time.Duration) time.Duration {
	return time.Duration(numTrials+1) * (imageDuration + fixationDuration)
}
