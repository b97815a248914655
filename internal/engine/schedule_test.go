package engine

import (
	"testing"
	"time"
)

func TestPositionAt(t *testing.T) {
	img := 600 * time.Millisecond
	fix := 800 * time.Millisecond
	n := 3

	tests := []struct {
		name     string
		elapsed  time.Duration
		expected Position
	}{
		{
			name:     "before start",
			elapsed:  -time.Second,
			expected: Position{Phase: PhaseStart, TrialIndex: StartIndex},
		},
		{
			name:     "start image",
			elapsed:  0,
			expected: Position{Phase: PhaseStart, TrialIndex: StartIndex},
		},
		{
			name:     "lead-in fixation",
			elapsed:  time.Second,
			expected: Position{Phase: PhaseStart, TrialIndex: StartIndex},
		},
		{
			name:     "first stimulus at boundary",
			elapsed:  1400 * time.Millisecond,
			expected: Position{Phase: PhaseStimulus, TrialIndex: 0},
		},
		{
			name:     "first fixation",
			elapsed:  2000 * time.Millisecond,
			expected: Position{Phase: PhaseFixation, TrialIndex: 0},
		},
		{
			name:     "second stimulus",
			elapsed:  2900 * time.Millisecond,
			expected: Position{Phase: PhaseStimulus, TrialIndex: 1},
		},
		{
			name:     "last fixation",
			elapsed:  5500 * time.Millisecond,
			expected: Position{Phase: PhaseFixation, TrialIndex: 2},
		},
		{
			name:     "ended exactly",
			elapsed:  5600 * time.Millisecond,
			expected: Position{Phase: PhaseEnded, TrialIndex: 3},
		},
		{
			name:     "long after end",
			elapsed:  time.Hour,
			expected: Position{Phase: PhaseEnded, TrialIndex: 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PositionAt(n, img, fix, tt.elapsed)
			if got != tt.expected {
				t.Errorf("Expected %+v, got %+v", tt.expected, got)
			}
		})
	}
}

func TestPositionAt_Determinism(t *testing.T) {
	img := 100 * time.Millisecond
	fix := 300 * time.Millisecond
	elapsed := 7300 * time.Millisecond

	first := PositionAt(50, img, fix, elapsed)
	for i := 0; i < 10; i++ {
		if got := PositionAt(50, img, fix, elapsed); got != first {
			t.Errorf("Non-deterministic at iteration %d: first %+v, got %+v", i, first, got)
		}
	}
}

func TestPositionAt_IndexMonotonic(t *testing.T) {
	img := 100 * time.Millisecond
	fix := 150 * time.Millisecond
	prev := StartIndex
	for elapsed := time.Duration(0); elapsed < 10*time.Second; elapsed += 10 * time.Millisecond {
		pos := PositionAt(20, img, fix, elapsed)
		if pos.TrialIndex < prev || pos.TrialIndex > prev+1 {
			t.Fatalf("index jumped from %d to %d at %v", prev, pos.TrialIndex, elapsed)
		}
		if pos.TrialIndex > 20 {
			t.Fatalf("index exceeded trial count: %d", pos.TrialIndex)
		}
		prev = pos.TrialIndex
	}
}

func TestRunDuration(t *testing.T) {
	if got := RunDuration(3, 600*time.Millisecond, 800*time.Millisecond); got != 5600*time.Millisecond {
		t.Errorf("Expected 5.6s, got %v", got)
	}
}

func TestPhase_String(t *testing.T) {
	for phase, want := range map[Phase]string{
		PhaseStart:    "start",
		PhaseStimulus: "stimulus",
		PhaseFixation: "fixation",
		PhaseEnded:    "ended",
		PhaseError:    "error",
	} {
		if phase.String() != want {
			t.Errorf("expected %q, got %q", want, phase.String())
		}
	}
	if !PhaseEnded.Terminal() || !PhaseError.Terminal() || PhaseStimulus.Terminal() {
		t.Error("unexpected Terminal result")
	}
}
