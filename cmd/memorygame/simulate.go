package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/memorygame/internal/client"
	"github.com/memorygame/internal/config"
	"github.com/memorygame/internal/engine"
	"github.com/memorygame/internal/models"
	"github.com/memorygame/internal/runner"
	"github.com/memorygame/internal/session"
	"github.com/memorygame/internal/submit"
	"github.com/memorygame/pkg/logger"
)

var (
	simWorker     string
	simAssignment string
	simSessionKey string
	simReferral   string
	simServer     string
	simRuns       int
	simPreview    bool
	simNoPreload  bool
	simReaction   time.Duration
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Play runs as a headless participant",
	Long: `Play the game against a running backend without a browser.

The simulated participant remembers every image of the current run and
presses the response key whenever one comes back. Sessions are kept in Redis
when REDIS_ADDR is set, otherwise in memory.`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

func init() {
	f := simulateCmd.Flags()
	f.StringVar(&simWorker, "worker", "", "worker id (required)")
	f.StringVar(&simAssignment, "assignment", "", "assignment id; a random one is used when empty")
	f.StringVar(&simSessionKey, "session", "", "session key, reuse it to resume a session")
	f.StringVar(&simReferral, "url", "", "referral URL the participant arrived from, used to pick the submission medium")
	f.StringVar(&simServer, "server", "", "backend URL; defaults to server_url of the experiment settings")
	f.IntVar(&simRuns, "runs", 1, "number of runs to play before submitting")
	f.BoolVar(&simPreview, "preview", false, "play the preview instead of a real run")
	f.BoolVar(&simNoPreload, "no-preload", false, "skip downloading stimuli")
	f.DurationVar(&simReaction, "reaction", 150*time.Millisecond, "delay between a repeat appearing and the key press")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	if simWorker == "" && !simPreview {
		return errors.New("--worker is required")
	}
	if simRuns < 1 {
		return errors.New("--runs must be at least 1")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	exp, err := loadExperiment()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openSessionStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	referral := simAssignment
	switch {
	case simPreview:
		referral = models.PreviewAssignmentID
	case referral == "":
		referral = uuid.New().String()
	}
	key := simSessionKey
	if key == "" {
		key = uuid.New().String()
	}
	medium := submit.DetectMedium(simReferral)

	sess, err := session.Open(ctx, store, key, referral, medium.String(), exp.Game.Reward.Amount)
	if err != nil {
		return err
	}
	if simWorker != "" {
		if err := sess.SetWorkerID(ctx, simWorker); err != nil {
			return err
		}
	}

	serverURL := simServer
	if serverURL == "" {
		serverURL = exp.ServerURL
	}

	var loader runner.Loader = runner.NewHTTPLoader(nil)
	if simNoPreload {
		loader = skipLoader{}
	}

	p := newParticipant(exp.Game.ResponseKeyCode, simReaction, log)
	r, err := runner.New(runner.Options{
		Backend:   client.New(serverURL, nil),
		Loader:    loader,
		Presenter: p,
		Session:   sess,
		Submitter: submit.New(medium, submit.Options{ServerURL: serverURL}),
		Game:      exp.Game,
		ImageBase: exp.Images.BaseURL,
		Logger:    log,
	})
	if err != nil {
		return err
	}

	log.Info("Simulated participant starting",
		logger.F("session", key),
		logger.F("assignment_id", referral),
		logger.F("medium", medium.String()),
		logger.F("server", serverURL))
	return p.play(ctx, r, simRuns)
}

func openSessionStore(ctx context.Context, cfg *config.Config) (session.Store, func(), error) {
	if cfg.Redis.Addr == "" {
		return session.NewMemoryStore(), func() {}, nil
	}
	store, err := session.NewRedisStore(ctx, cfg.Redis, cfg.SessionTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize Redis store: %w", err)
	}
	log.Info("Connected to Redis", logger.F("addr", cfg.Redis.Addr))
	return store, func() { _ = store.Close() }, nil
}

type skipLoader struct{}

func (skipLoader) Load(context.Context, string) error { return nil }

// participant presents runs to nobody and answers like a perfect memorizer.
type participant struct {
	key      int
	reaction time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	seen    map[string]bool
	presses chan struct{}
}

func newParticipant(key int, reaction time.Duration, log *logger.Logger) *participant {
	return &participant{
		key:      key,
		reaction: reaction,
		log:      log,
		seen:     make(map[string]bool),
		presses:  make(chan struct{}, 1),
	}
}

func (p *participant) ShowStart() error {
	p.log.Debug("Start screen")
	return nil
}

func (p *participant) ShowStimulus(trial engine.Trial) error {
	p.log.Debug("Stimulus",
		logger.F("trial", fmt.Sprintf("%d", trial.Index)),
		logger.F("stimulus", trial.Stimulus))
	if p.recognize(trial.Stimulus) {
		select {
		case p.presses <- struct{}{}:
		default:
		}
	}
	return nil
}

func (p *participant) ShowFixation() error { return nil }

func (p *participant) Flash(f engine.Feedback) {
	p.log.Debug("Response registered", logger.F("feedback", f.String()))
}

// recognize reports whether stimulus was already shown in this run.
func (p *participant) recognize(stimulus string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen[stimulus] {
		return true
	}
	p.seen[stimulus] = true
	return false
}

func (p *participant) forget() {
	p.mu.Lock()
	p.seen = make(map[string]bool)
	p.mu.Unlock()
}

// respond turns recognitions into key presses. The presenter runs under the
// sequencer lock, so presses are made from here.
func (p *participant) respond(ctx context.Context, r *runner.Runner) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.presses:
		}

		t := time.NewTimer(p.reaction)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		r.KeyDown(p.key)
		r.KeyUp(p.key)
	}
}

func (p *participant) play(ctx context.Context, r *runner.Runner, runs int) error {
	respondCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go p.respond(respondCtx, r)

	for n := 1; ; n++ {
		p.forget()
		if err := r.Setup(ctx); err != nil {
			return p.rescue(ctx, r, err)
		}
		if err := r.Start(ctx); err != nil {
			return err
		}
		if err := r.Wait(ctx); err != nil {
			return err
		}

		st := r.Status()
		if st.Page == runner.PageSorry {
			return p.rescue(ctx, r, st.Err)
		}
		p.log.Info("Run finished",
			logger.F("run", fmt.Sprintf("%d", n)),
			logger.F("repeats_detected", st.Feedback.RepeatsDetected),
			logger.F("wrong_presses", st.Feedback.WrongPresses),
			logger.F("earnings", st.Feedback.Earnings))
		if st.Feedback.Message != "" {
			p.log.Info(st.Feedback.Message)
		}

		if r.Preview() {
			return nil
		}
		if st.Feedback.CanContinue && n < runs {
			if err := r.Continue(ctx); err != nil {
				return err
			}
			continue
		}
		if err := r.StopPlaying(); err != nil {
			return err
		}
		return p.submit(ctx, r)
	}
}

// rescue submits what was earned before the sorry page, if anything.
func (p *participant) rescue(ctx context.Context, r *runner.Runner, cause error) error {
	st := r.Status()
	p.log.Warn("Run unavailable", logger.F("reason", string(st.Sorry)), logger.Err(cause))
	if !st.CanRescue || r.Preview() {
		return cause
	}
	if err := r.Rescue(); err != nil {
		return err
	}
	return p.submit(ctx, r)
}

func (p *participant) submit(ctx context.Context, r *runner.Runner) error {
	ack, err := r.Submit(ctx, "")
	if err != nil {
		return fmt.Errorf("submission failed: %w", err)
	}
	if !ack.Positive {
		return fmt.Errorf("submission rejected: %s", ack.Message)
	}
	p.log.Info("Submission acknowledged", logger.F("message", ack.Message))
	return nil
}
