// Package runner walks a participant through runs: initialize with the backend,
// preload stimuli, present the trial sequence, finalize, then continue or submit.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/memorygame/internal/clock"
	"github.com/memorygame/internal/config"
	"github.com/memorygame/internal/engine"
	"github.com/memorygame/internal/models"
	"github.com/memorygame/internal/session"
	"github.com/memorygame/internal/submit"
	"github.com/memorygame/pkg/logger"
)

// Page is what the participant currently sees.
type Page string

const (
	PageInstructions Page = "instructions"
	PageLoading      Page = "loading"
	PageReady        Page = "ready"
	PageExperiment   Page = "experiment"
	PageEnd          Page = "end"
	PageSorry        Page = "sorry"
	PageSubmit       Page = "submit"
)

// SorryReason explains a blocking apology page.
type SorryReason string

const (
	SorryNone        SorryReason = ""
	SorryError       SorryReason = "error"
	SorryNoMoreRuns  SorryReason = "no_more_runs"
	SorryMaintenance SorryReason = "maintenance"
	SorryRunning     SorryReason = "running"
)

// ErrorMarker replaces statistics the backend could not compute.
const ErrorMarker = "ERROR"

// NoRepeatsShown is displayed when a run contained no repeats.
const NoRepeatsShown = "no repeats were shown"

// TimeLayout formats init and finish times in payloads.
const TimeLayout = "2006-01-02 15:04:05"

var (
	ErrUnavailable     = errors.New("run unavailable")
	ErrWrongPage       = errors.New("action not available on this page")
	ErrNothingToSubmit = errors.New("no completed run to submit")
	ErrPreview         = errors.New("previews cannot be submitted")
)

// Backend is the part of the experiment backend a participant talks to.
type Backend interface {
	InitializeRun(ctx context.Context, workerID, medium string, trialFeedback bool) (*models.RunInfo, error)
	InitializePreview(ctx context.Context, trialFeedback bool) (*models.RunInfo, error)
	FinalizeRun(ctx context.Context, payload models.RunPayload) (*models.FinalizeResult, error)
}

// Feedback is shown on the end page.
type Feedback struct {
	RepeatsDetected string
	WrongPresses    string
	Earnings        string
	CanContinue     bool
	Message         string
}

// Status is a snapshot of the runner
type Status struct {
	Page      Page
	Sorry     SorryReason
	CanRescue bool
	Preview   bool
	Feedback  Feedback
	Run       *engine.RunState
	Err       error
}

// Options wire a Runner.
type Options struct {
	Backend   Backend
	Loader    Loader
	Presenter engine.Presenter
	Clock     clock.Clock
	Session   *session.Context
	Submitter submit.Submitter
	Game      config.GameSettings
	ImageBase string
	Logger    *logger.Logger
}

// Runner drives one participant. Its methods are safe to call from the input
// goroutine while the sequencer's timers fire on their own.
type Runner struct {
	mu        sync.Mutex
	backend   Backend
	loader    Loader
	presenter engine.Presenter
	clock     clock.Clock
	session   *session.Context
	submitter submit.Submitter
	game      config.GameSettings
	imageBase string
	log       *logger.Logger
	preview   bool

	page       Page
	sorry      SorryReason
	err        error
	runInfo    *models.RunInfo
	seq        *engine.Sequencer
	initTime   time.Time
	feedback   Feedback
	runCtx     context.Context
	done       chan struct{}
	doneClosed bool
}

// New creates a runner on the instructions page.
func New(opts Options) (*Runner, error) {
	if opts.Backend == nil || opts.Session == nil || opts.Presenter == nil {
		return nil, fmt.Errorf("backend, session and presenter are required")
	}
	if opts.Loader == nil {
		opts.Loader = NewHTTPLoader(nil)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Submitter == nil {
		opts.Submitter = submit.New(submit.ParseMedium(opts.Session.Medium()), submit.Options{})
	}

	return &Runner{
		backend:   opts.Backend,
		loader:    opts.Loader,
		presenter: opts.Presenter,
		clock:     opts.Clock,
		session:   opts.Session,
		submitter: opts.Submitter,
		game:      opts.Game,
		imageBase: opts.ImageBase,
		log:       opts.Logger.With(logger.F("worker_id", opts.Session.WorkerID())),
		preview:   opts.Session.ReferralID() == models.PreviewAssignmentID,
		page:      PageInstructions,
	}, nil
}

// Preview reports whether the HIT is only being previewed
func (r *Runner) Preview() bool {
	return r.preview
}

// Setup initializes the next run with the backend and preloads its stimuli.
// Any failure leaves the runner on the sorry page.
func (r *Runner) Setup(ctx context.Context) error {
	r.mu.Lock()
	if r.page != PageInstructions {
		r.mu.Unlock()
		return ErrWrongPage
	}
	r.page = PageLoading
	r.mu.Unlock()

	var info *models.RunInfo
	var err error
	if r.preview {
		info, err = r.backend.InitializePreview(ctx, r.game.TrialFeedback)
	} else {
		info, err = r.backend.InitializeRun(ctx, r.session.WorkerID(), r.session.Medium(), r.game.TrialFeedback)
	}
	if err != nil {
		r.log.Error("Failed to initialize run", logger.Err(err))
		return r.showSorry(SorryError, fmt.Errorf("initialize run: %w", err))
	}

	if reason := gate(info); reason != SorryNone {
		r.log.Info("Run not available", logger.F("reason", string(reason)))
		return r.showSorry(reason, fmt.Errorf("%w: %s", ErrUnavailable, reason))
	}

	numTrials := len(info.Images)
	if r.game.DebugTrials > 0 && r.game.DebugTrials < numTrials {
		numTrials = r.game.DebugTrials
	}

	refs := make([]string, numTrials)
	for i := 0; i < numTrials; i++ {
		refs[i] = ResolveStimulus(r.imageBase, info.Images[i])
	}
	var conditions []string
	if len(info.Conditions) > 0 {
		conditions = info.Conditions[:min(numTrials, len(info.Conditions))]
	}

	toLoad := append([]string(nil), refs...)
	for _, img := range []string{r.game.StartImage, r.game.FixationImage} {
		if img != "" {
			toLoad = append(toLoad, ResolveStimulus(r.imageBase, img))
		}
	}
	if err := Preload(ctx, r.loader, toLoad, nil); err != nil {
		r.log.Error("Failed to preload stimuli", logger.Err(err))
		return r.showSorry(SorryError, fmt.Errorf("preload: %w", err))
	}

	seq, err := engine.NewSequencer(engine.BuildTrials(refs, conditions), engine.Settings{
		ImageDuration:    r.game.ImageDuration.Std(),
		FixationDuration: r.game.FixationDuration.Std(),
		ResponseKey:      r.game.ResponseKeyCode,
		TrialFeedback:    r.game.TrialFeedback,
		GoTrials:         r.game.GoTrials,
	}, r.presenter, r.clock)
	if err != nil {
		return r.showSorry(SorryError, fmt.Errorf("create sequencer: %w", err))
	}
	seq.OnEnd(r.finish)
	seq.OnError(func(err error) {
		r.log.Error("Run aborted", logger.Err(err))
		r.showSorry(SorryError, err)
	})

	r.mu.Lock()
	r.runInfo = info
	r.seq = seq
	r.initTime = r.clock.Now()
	r.page = PageReady
	r.done = make(chan struct{})
	r.doneClosed = false
	r.mu.Unlock()

	r.log.Info("Run ready",
		logger.F("sequence_file", info.SequenceFile),
		logger.F("index_to_run", fmt.Sprintf("%d", info.IndexToRun)),
		logger.F("num_trials", fmt.Sprintf("%d", numTrials)))
	return nil
}

// gate mirrors the backend flags onto an apology page. Blocked or finished
// takes priority over maintenance, which takes priority over running.
func gate(info *models.RunInfo) SorryReason {
	switch {
	case info.Blocked || info.Finished:
		return SorryNoMoreRuns
	case info.Maintenance:
		return SorryMaintenance
	case info.Running:
		return SorryRunning
	case len(info.Images) == 0:
		return SorryError
	default:
		return SorryNone
	}
}

// Start begins the trial sequence. ctx bounds the finalization call.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.page != PageReady {
		r.mu.Unlock()
		return ErrWrongPage
	}
	r.page = PageExperiment
	r.runCtx = ctx
	seq := r.seq
	r.mu.Unlock()

	return seq.Start()
}

// KeyDown forwards a key press to the running sequence.
func (r *Runner) KeyDown(code int) bool {
	if seq := r.sequencer(); seq != nil {
		return seq.KeyDown(code)
	}
	return false
}

// KeyUp forwards a key release to the running sequence.
func (r *Runner) KeyUp(code int) {
	if seq := r.sequencer(); seq != nil {
		seq.KeyUp(code)
	}
}

// CurrentTrial returns the trial on screen, if any.
func (r *Runner) CurrentTrial() (engine.Trial, bool) {
	if seq := r.sequencer(); seq != nil {
		return seq.CurrentTrial()
	}
	return engine.Trial{}, false
}

// Wait blocks until the current run has been finalized or has failed.
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return ErrWrongPage
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish runs when the sequencer ends: record the run, then report it.
// A failed report is not fatal; the participant can still submit.
func (r *Runner) finish(result engine.Result) {
	r.mu.Lock()
	info := r.runInfo
	initTime := r.initTime
	ctx := r.runCtx
	r.page = PageEnd
	r.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	payload := models.RunPayload{
		AssignmentID:    r.session.ReferralID(),
		WorkerID:        r.session.WorkerID(),
		IndexToRun:      info.IndexToRun,
		SequenceFile:    info.SequenceFile,
		ResponseIndices: result.ResponseIndices,
		Preview:         r.preview,
		Timestamp:       info.Timestamp,
		Medium:          r.session.Medium(),
		InitTime:        initTime.Format(TimeLayout),
		FinishTime:      result.FinishedAt.Format(TimeLayout),
		NumTrials:       result.NumTrials,
	}
	if payload.ResponseIndices == nil {
		payload.ResponseIndices = []int{}
	}

	fb := Feedback{}
	if r.preview {
		fb.Earnings = "This is a preview!"
		fb.Message = "This is a preview. If you wish to participate for real, please accept the HIT first."
	} else {
		if err := r.session.CompleteRun(ctx, payload); err != nil {
			r.log.Error("Failed to record run in session", logger.Err(err))
		}
		fb.Earnings = fmt.Sprintf("%.2f %s", r.session.Bonus(), r.game.Reward.Currency)
	}

	res, err := r.backend.FinalizeRun(ctx, payload)
	if err != nil {
		r.log.Error("Failed to finalize run", logger.Err(err))
		fb.RepeatsDetected = ErrorMarker
		fb.WrongPresses = ErrorMarker
		fb.CanContinue = false
		if !r.preview {
			fb.Message = "There was a problem reporting your scores. You can still submit the runs you completed."
		}
	} else {
		fb.RepeatsDetected = formatHitRate(res.HitRate)
		fb.WrongPresses = fmt.Sprintf("%d", res.FalseAlarmNum)
		switch {
		case r.preview:
		case res.Blocked || res.Finished:
		case res.Maintenance:
			fb.Message = "The game is going into maintenance. Please submit the runs you completed."
		default:
			fb.CanContinue = true
		}
		r.log.Info("Run finalized",
			logger.F("hit_rate", fmt.Sprintf("%.2f", res.HitRate)),
			logger.F("false_alarms", fmt.Sprintf("%d", res.FalseAlarmNum)))
	}

	r.mu.Lock()
	r.feedback = fb
	r.closeDoneLocked()
	r.mu.Unlock()
}

func formatHitRate(rate float64) string {
	if rate < 0 {
		return NoRepeatsShown
	}
	return fmt.Sprintf("%d%%", int(math.Round(rate*100)))
}

// Continue starts over for another run after the end page.
func (r *Runner) Continue(ctx context.Context) error {
	r.mu.Lock()
	if r.page != PageEnd || !r.feedback.CanContinue {
		r.mu.Unlock()
		return ErrWrongPage
	}
	r.mu.Unlock()

	if err := r.session.Continue(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.resetRunLocked()
	r.page = PageInstructions
	r.mu.Unlock()
	return nil
}

// StopPlaying moves from the end page to submission.
func (r *Runner) StopPlaying() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.page != PageEnd {
		return ErrWrongPage
	}
	r.page = PageSubmit
	return nil
}

// Rescue moves from the sorry page to submission, as long as there is a
// completed run to be paid for.
func (r *Runner) Rescue() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.page != PageSorry {
		return ErrWrongPage
	}
	if !r.session.CanRescue() {
		return ErrNothingToSubmit
	}
	r.page = PageSubmit
	return nil
}

// Submit sends the session to the sink chosen at session start. A positive
// acknowledgment clears the session.
func (r *Runner) Submit(ctx context.Context, feedback string) (submit.Ack, error) {
	r.mu.Lock()
	page := r.page
	r.mu.Unlock()
	if page != PageSubmit {
		return submit.Ack{}, ErrWrongPage
	}
	if r.preview {
		return submit.Ack{}, ErrPreview
	}

	ack, err := r.submitter.Submit(ctx, submit.RequestFromSession(r.session, feedback))
	if err != nil {
		r.log.Error("Submission failed", logger.Err(err))
		return ack, err
	}
	r.log.Info("Submitted", logger.F("bonus", fmt.Sprintf("%.2f", r.session.Bonus())))

	if ack.Positive {
		if err := r.session.Reset(ctx); err != nil {
			return ack, err
		}
	}
	return ack, nil
}

// Status returns a snapshot
func (r *Runner) Status() Status {
	r.mu.Lock()
	st := Status{
		Page:     r.page,
		Sorry:    r.sorry,
		Preview:  r.preview,
		Feedback: r.feedback,
		Err:      r.err,
	}
	seq := r.seq
	r.mu.Unlock()

	st.CanRescue = st.Page == PageSorry && r.session.CanRescue()
	if seq != nil {
		rs := seq.State()
		st.Run = &rs
	}
	return st
}

func (r *Runner) showSorry(reason SorryReason, err error) error {
	r.mu.Lock()
	r.page = PageSorry
	r.sorry = reason
	r.err = err
	r.closeDoneLocked()
	r.mu.Unlock()
	return err
}

// closeDoneLocked releases Wait. The channel stays closed until the run is reset.
func (r *Runner) closeDoneLocked() {
	if r.done != nil && !r.doneClosed {
		close(r.done)
		r.doneClosed = true
	}
}

func (r *Runner) sequencer() *engine.Sequencer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

func (r *Runner) resetRunLocked() {
	r.seq = nil
	r.runInfo = nil
	r.feedback = Feedback{}
	r.sorry = SorryNone
	r.err = nil
	r.runCtx = nil
	r.done = nil
	r.doneClosed = false
}
