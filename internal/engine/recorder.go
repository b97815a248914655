package engine

// Feedback is the flash shown when a response is registered.
type Feedback int

const (
	// FeedbackDetected acknowledges a response without judging it.
	FeedbackDetected Feedback = iota
	// FeedbackCorrect marks a response on a go trial.
	FeedbackCorrect
	// FeedbackIncorrect marks a response on any other trial.
	FeedbackIncorrect
)

// Color returns the border color flashed around the stimulus.
func (f Feedback) Color() string {
	switch f {
	case FeedbackCorrect:
		return "#33cc33"
	case FeedbackIncorrect:
		return "red"
	default:
		return "blue"
	}
}

func (f Feedback) String() string {
	switch f {
	case FeedbackCorrect:
		return "correct"
	case FeedbackIncorrect:
		return "incorrect"
	default:
		return "detected"
	}
}

// KeyDown handles a key press. It reports whether a response was recorded.
//
// Only the configured response key counts. A press is recorded when it is a
// fresh press (the key was not already held) on a real trial; auto-repeat
// events while the key is held are ignored. Input is ignored once the run is
// terminal.
func (s *Sequencer) KeyDown(code int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if code != s.settings.ResponseKey || s.phase.Terminal() {
		return false
	}

	recorded := false
	if s.freshPress() && s.onRealTrial() {
		if !s.recorded[s.index] {
			s.recorded[s.index] = true
			s.responses = append(s.responses, s.index)
			recorded = true
		}
		s.presenter.Flash(s.feedbackFor(s.trials[s.index]))
	}
	s.keyDown = true
	return recorded
}

// KeyUp handles a key release.
func (s *Sequencer) KeyUp(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if code != s.settings.ResponseKey || s.phase.Terminal() {
		return
	}
	s.keyDown = false
}

// freshPress is the debounce guard: a press counts only on the up -> down edge.
func (s *Sequencer) freshPress() bool {
	return !s.keyDown
}

func (s *Sequencer) onRealTrial() bool {
	return s.index != StartIndex && s.index < len(s.trials)
}

func (s *Sequencer) feedbackFor(t Trial) Feedback {
	if !s.settings.TrialFeedback {
		return FeedbackDetected
	}
	if s.goTrials[t.Condition] {
		return FeedbackCorrect
	}
	return FeedbackIncorrect
}
