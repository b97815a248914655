// Package session tracks a participant's progress across repeated runs in one
// browser session: the run counter, the bonus earned so far and the payloads of
// completed runs.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/memorygame/internal/models"
)

// Record is the persisted state of one browser session.
type Record struct {
	ReferralID    string              `json:"referralId"`
	Medium        string              `json:"medium"`
	WorkerID      string              `json:"workerId"`
	RunInSession  int                 `json:"runInSession"`
	CompletedRuns int                 `json:"completedRuns"`
	BonusEarned   float64             `json:"bonusEarned"`
	Runs          []models.RunPayload `json:"sessionData"`
}

// Context is the explicit session object handed to the runner and the
// submission adapter. It is safe for concurrent use.
type Context struct {
	mu     sync.RWMutex
	store  Store
	key    string
	reward float64
	rec    Record
}

// Open loads the record stored under key. A missing record, or one that belongs
// to a different referral (a new HIT, or preview turned into a real assignment),
// is reset.
func Open(ctx context.Context, store Store, key, referralID, medium string, perRunReward float64) (*Context, error) {
	if key == "" {
		return nil, fmt.Errorf("session key is required")
	}

	c := &Context{store: store, key: key, reward: perRunReward}

	rec, err := store.Load(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load session: %w", err)
	case rec.ReferralID == referralID:
		c.rec = *rec
		return c, nil
	}

	c.rec = Record{ReferralID: referralID, Medium: medium}
	if err := c.save(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Record returns a copy of the current record
func (c *Context) Record() Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec := c.rec
	rec.Runs = append([]models.RunPayload(nil), c.rec.Runs...)
	return rec
}

// Key returns the browser-session key
func (c *Context) Key() string { return c.key }

// ReferralID returns the assignment the session belongs to
func (c *Context) ReferralID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rec.ReferralID
}

// Medium returns the referral medium fixed at session start
func (c *Context) Medium() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rec.Medium
}

// WorkerID returns the participant id
func (c *Context) WorkerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rec.WorkerID
}

// RunInSession returns how many times the participant chose to continue
func (c *Context) RunInSession() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rec.RunInSession
}

// CompletedRuns returns how many runs were completed this session
func (c *Context) CompletedRuns() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rec.CompletedRuns
}

// PerRunReward returns the configured reward per run
func (c *Context) PerRunReward() float64 { return c.reward }

// Bonus is perRunReward × completedRuns.
func (c *Context) Bonus() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bonusLocked()
}

func (c *Context) bonusLocked() float64 {
	return c.reward * float64(c.rec.CompletedRuns)
}

// Runs returns the payloads of completed runs in completion order
func (c *Context) Runs() []models.RunPayload {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.RunPayload(nil), c.rec.Runs...)
}

// LastRun returns the most recent completed payload
func (c *Context) LastRun() (models.RunPayload, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.rec.Runs) == 0 {
		return models.RunPayload{}, false
	}
	return c.rec.Runs[len(c.rec.Runs)-1], true
}

// CanRescue reports whether there is anything to submit from an error page.
func (c *Context) CanRescue() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rec.CompletedRuns > 0
}

// SetWorkerID stores the participant id
func (c *Context) SetWorkerID(ctx context.Context, workerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rec.WorkerID = workerID
	return c.save(ctx)
}

// CompleteRun records a finished run and updates the bonus. Preview runs must
// not be recorded.
func (c *Context) CompleteRun(ctx context.Context, payload models.RunPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rec.CompletedRuns++
	c.rec.BonusEarned = c.bonusLocked()
	c.rec.Runs = append(c.rec.Runs, payload)
	return c.save(ctx)
}

// Continue increments the run counter when the participant opts for another run.
func (c *Context) Continue(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rec.RunInSession++
	return c.save(ctx)
}

// Reset clears the record while keeping the referral identity.
func (c *Context) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rec = Record{ReferralID: c.rec.ReferralID, Medium: c.rec.Medium}
	return c.save(ctx)
}

func (c *Context) save(ctx context.Context) error {
	if err := c.store.Save(ctx, c.key, &c.rec); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}
