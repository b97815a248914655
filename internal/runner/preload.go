package runner

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Loader fetches one stimulus so it can be shown without delay.
type Loader interface {
	Load(ctx context.Context, ref string) error
}

// HTTPLoader loads stimuli over HTTP.
type HTTPLoader struct {
	client *http.Client
}

// NewHTTPLoader creates a loader; a nil client gets a 10 second timeout.
func NewHTTPLoader(client *http.Client) *HTTPLoader {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPLoader{client: client}
}

// Load downloads ref and discards it. Any non-200 reply is a load failure.
func (l *HTTPLoader) Load(ctx context.Context, ref string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to load %s: status %d", ref, resp.StatusCode)
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("failed to load %s: %w", ref, err)
	}
	return nil
}

// preloadLimit bounds concurrent stimulus downloads
const preloadLimit = 8

// Preload loads every ref concurrently and fails on the first error.
// progress, if set, is called with the number of refs loaded so far.
func Preload(ctx context.Context, loader Loader, refs []string, progress func(done, total int)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(preloadLimit)

	var loaded atomic.Int64
	for _, ref := range refs {
		ref := ref
		g.Go(func() error {
			if err := loader.Load(gctx, ref); err != nil {
				return err
			}
			done := loaded.Add(1)
			if progress != nil {
				progress(int(done), len(refs))
			}
			return nil
		})
	}
	return g.Wait()
}

// ResolveStimulus joins a relative stimulus reference to the image base URL.
// Absolute URLs are returned unchanged. Spaces are escaped.
func ResolveStimulus(baseURL, ref string) string {
	resolved := ref
	if u, err := url.Parse(ref); err != nil || u.Scheme == "" {
		resolved = baseURL + ref
	}
	return strings.ReplaceAll(resolved, " ", "%20")
}
