package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/memorygame/internal/clock"
)

// StartIndex is the trial index before the first real trial.
const StartIndex = -1

// Phase is a state of the trial state machine.
type Phase int

const (
	PhaseStart Phase = iota
	PhaseStimulus
	PhaseFixation
	PhaseEnded
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "start"
	case PhaseStimulus:
		return "stimulus"
	case PhaseFixation:
		return "fixation"
	case PhaseEnded:
		return "ended"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Terminal reports whether no further transitions can happen.
func (p Phase) Terminal() bool {
	return p == PhaseEnded || p == PhaseError
}

var (
	ErrAlreadyStarted = errors.New("run already started")
	ErrAborted        = errors.New("run aborted")
	ErrNoTrials       = errors.New("run has no trials")
)

// Trial is one stimulus presentation.
type Trial struct {
	Index     int
	Stimulus  string
	Condition string
}

// BuildTrials pairs images with their condition labels. Conditions may be nil
// when the backend withholds them.
func BuildTrials(images, conditions []string) []Trial {
	trials := make([]Trial, len(images))
	for i, img := range images {
		trials[i] = Trial{Index: i, Stimulus: img}
		if i < len(conditions) {
			trials[i].Condition = conditions[i]
		}
	}
	return trials
}

// Presenter renders the run. Show* errors abort the run into PhaseError.
// Methods are called with the sequencer locked and must not call back into it.
type Presenter interface {
	ShowStart() error
	ShowStimulus(trial Trial) error
	ShowFixation() error
	Flash(f Feedback)
}

// Settings are the fixed dwell times and input configuration of a run.
type Settings struct {
	ImageDuration    time.Duration
	FixationDuration time.Duration
	ResponseKey      int
	TrialFeedback    bool
	GoTrials         []string
}

// Result is handed to the end callback once the last trial has been shown.
type Result struct {
	NumTrials       int
	ResponseIndices []int
	StartedAt       time.Time
	FinishedAt      time.Time
}

// RunState is a point-in-time copy of the sequencer state.
type RunState struct {
	Phase           Phase
	TrialIndex      int
	ResponseIndices []int
	KeyDown         bool
	StartedAt       time.Time
	FinishedAt      time.Time
	Err             error
}

// Sequencer drives a run through START -> (STIMULUS -> FIXATION)* -> ENDED.
//
// Timer callbacks and key events are serialized by one mutex, so there is a
// single logical timeline. Notifications (end, error) are delivered after the
// lock is released and may call back into the sequencer.
type Sequencer struct {
	mu        sync.Mutex
	clock     clock.Clock
	presenter Presenter
	settings  Settings
	trials    []Trial
	goTrials  map[string]bool

	phase      Phase
	index      int
	responses  []int
	recorded   map[int]bool
	keyDown    bool
	started    bool
	startedAt  time.Time
	finishedAt time.Time
	err        error

	pending    clock.Timer
	generation uint64

	onEnd   func(Result)
	onError func(error)
}

// NewSequencer creates a sequencer for the given trials.
func NewSequencer(trials []Trial, settings Settings, presenter Presenter, clk clock.Clock) (*Sequencer, error) {
	if len(trials) == 0 {
		return nil, ErrNoTrials
	}
	if settings.ImageDuration <= 0 || settings.FixationDuration <= 0 {
		return nil, fmt.Errorf("durations must be greater than 0")
	}
	if presenter == nil {
		return nil, fmt.Errorf("presenter is required")
	}
	if clk == nil {
		clk = clock.Real()
	}

	goTrials := make(map[string]bool, len(settings.GoTrials))
	for _, label := range settings.GoTrials {
		goTrials[label] = true
	}

	return &Sequencer{
		clock:     clk,
		presenter: presenter,
		settings:  settings,
		trials:    trials,
		goTrials:  goTrials,
		phase:     PhaseStart,
		index:     StartIndex,
		recorded:  make(map[int]bool),
	}, nil
}

// OnEnd registers the finalization callback.
func (s *Sequencer) OnEnd(f func(Result)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnd = f
}

// OnError registers the callback for the terminal error state.
func (s *Sequencer) OnError(f func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = f
}

// NumTrials returns the total trial count
func (s *Sequencer) NumTrials() int {
	return len(s.trials)
}

// Start shows the start image, then fixation, then the first trial.
func (s *Sequencer) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.startedAt = s.clock.Now()

	var notify func()
	if err := s.presenter.ShowStart(); err != nil {
		notify = s.failLocked(fmt.Errorf("show start image: %w", err))
	} else {
		s.scheduleLocked(s.settings.ImageDuration, s.leadInFixationLocked)
	}
	s.mu.Unlock()

	if notify != nil {
		notify()
	}
	return nil
}

// Advance moves to the next trial immediately, cancelling any pending
// transition. It reports false before Start and once the run is terminal.
func (s *Sequencer) Advance() bool {
	s.mu.Lock()
	if !s.started || s.phase.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.cancelPendingLocked()
	notify := s.advanceLocked()
	s.mu.Unlock()

	if notify != nil {
		notify()
	}
	return true
}

// Fail moves the run into the terminal error state, e.g. when a stimulus
// could not be loaded. No further transitions are scheduled.
func (s *Sequencer) Fail(err error) {
	s.mu.Lock()
	if s.phase.Terminal() {
		s.mu.Unlock()
		return
	}
	notify := s.failLocked(err)
	s.mu.Unlock()

	notify()
}

// Abort cancels the run.
func (s *Sequencer) Abort() {
	s.Fail(ErrAborted)
}

// State returns a snapshot of the run
func (s *Sequencer) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return RunState{
		Phase:           s.phase,
		TrialIndex:      s.index,
		ResponseIndices: append([]int(nil), s.responses...),
		KeyDown:         s.keyDown,
		StartedAt:       s.startedAt,
		FinishedAt:      s.finishedAt,
		Err:             s.err,
	}
}

// CurrentTrial returns the trial on screen, if any.
func (s *Sequencer) CurrentTrial() (Trial, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index == StartIndex || s.index >= len(s.trials) {
		return Trial{}, false
	}
	return s.trials[s.index], true
}

func (s *Sequencer) leadInFixationLocked() func() {
	if err := s.presenter.ShowFixation(); err != nil {
		return s.failLocked(fmt.Errorf("show fixation: %w", err))
	}
	s.scheduleLocked(s.settings.FixationDuration, s.advanceLocked)
	return nil
}

// advanceLocked increments the trial index and either ends the run or shows
// the next stimulus.
func (s *Sequencer) advanceLocked() func() {
	s.index++

	if s.index == len(s.trials) {
		s.phase = PhaseEnded
		s.finishedAt = s.clock.Now()
		result := Result{
			NumTrials:       len(s.trials),
			ResponseIndices: append([]int(nil), s.responses...),
			StartedAt:       s.startedAt,
			FinishedAt:      s.finishedAt,
		}
		onEnd := s.onEnd
		return func() {
			if onEnd != nil {
				onEnd(result)
			}
		}
	}

	s.phase = PhaseStimulus
	if err := s.presenter.ShowStimulus(s.trials[s.index]); err != nil {
		return s.failLocked(fmt.Errorf("show stimulus %d: %w", s.index, err))
	}
	s.scheduleLocked(s.settings.ImageDuration, s.fixationLocked)
	return nil
}

func (s *Sequencer) fixationLocked() func() {
	s.phase = PhaseFixation
	if err := s.presenter.ShowFixation(); err != nil {
		return s.failLocked(fmt.Errorf("show fixation: %w", err))
	}
	s.scheduleLocked(s.settings.FixationDuration, s.advanceLocked)
	return nil
}

func (s *Sequencer) failLocked(err error) func() {
	s.cancelPendingLocked()
	s.phase = PhaseError
	s.err = err
	s.keyDown = false
	onError := s.onError
	return func() {
		if onError != nil {
			onError(err)
		}
	}
}

// scheduleLocked arms the single pending transition, replacing any other.
// Callbacks from a superseded generation are dropped.
func (s *Sequencer) scheduleLocked(d time.Duration, step func() func()) {
	s.cancelPendingLocked()
	gen := s.generation
	s.pending = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		if gen != s.generation || s.phase.Terminal() {
			s.mu.Unlock()
			return
		}
		s.pending = nil
		s.generation++
		notify := step()
		s.mu.Unlock()

		if notify != nil {
			notify()
		}
	})
}

func (s *Sequencer) cancelPendingLocked() {
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	s.generation++
}
