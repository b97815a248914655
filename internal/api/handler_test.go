package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/memorygame/internal/client"
	"github.com/memorygame/internal/clock"
	"github.com/memorygame/internal/config"
	"github.com/memorygame/internal/models"
	"github.com/memorygame/internal/sequence"
	"github.com/memorygame/internal/service"
	"github.com/memorygame/internal/storage"
	"github.com/memorygame/internal/submit"
	"github.com/memorygame/pkg/logger"
)

func newTestRouter(t *testing.T) (http.Handler, *storage.MemoryStorage, string) {
	t.Helper()
	dir := t.TempDir()

	track := sequence.Track{
		Sequences: [][]string{{"a.jpg", "b.jpg", "a.jpg"}, {"c.jpg", "d.jpg", "c.jpg"}},
		Types:     [][]string{{"target", "filler", "target repeat"}, {"target", "filler", "target repeat"}},
	}
	data, err := json.Marshal(track)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"track_0001.json", "preview.json"} {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	exp := config.DefaultExperiment()
	exp.Server.SequenceDir = dir
	exp.Server.PreviewSequenceFile = filepath.Join(dir, "preview.json")
	exp.Server.WhitelistWorkerIDs = []string{"W1"}

	repo := storage.NewMemoryStorage()
	log := logger.NewNop()
	svc := service.NewExperimentService(repo, exp, clock.NewFake(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)), log)

	router := chi.NewRouter()
	router.Use(RequestIDMiddleware)
	router.Use(LoggingMiddleware(log))
	router.Use(CORSMiddleware)
	router.Mount("/", NewHandler(svc, log).Routes())
	return router, repo, filepath.Join(dir, "track_0001.json")
}

func TestHandler_Health(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Errorf("expected a request id header")
	}
}

func TestHandler_InitializeRun(t *testing.T) {
	router, _, seqFile := newTestRouter(t)

	tests := []struct {
		name           string
		query          string
		wantStatus     int
		wantConditions bool
	}{
		{"missing worker", "/initializerun?medium=mturk", http.StatusBadRequest, false},
		{"new worker", "/initializerun?workerId=W1&medium=mturk&trialFeedback=false", http.StatusOK, false},
		{"unparseable flag means no feedback", "/initializerun?workerId=W1&trialFeedback=yes%20please", http.StatusOK, false},
		{"trial feedback", "/initializerun?workerId=W1&trialFeedback=true", http.StatusOK, true},
		{"no tracks left", "/initializerun?workerId=W2", http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.query, nil))

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if w.Code != http.StatusOK {
				var errResp models.ErrorResponse
				if err := json.NewDecoder(w.Body).Decode(&errResp); err != nil || errResp.Error == "" {
					t.Errorf("expected an error body, got %q", w.Body.String())
				}
				return
			}

			var info models.RunInfo
			if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if info.SequenceFile != seqFile {
				t.Errorf("expected sequence file %q, got %q", seqFile, info.SequenceFile)
			}
			if (len(info.Conditions) > 0) != tt.wantConditions {
				t.Errorf("unexpected conditions %v", info.Conditions)
			}
		})
	}
}

func TestHandler_FinalizeRun(t *testing.T) {
	router, repo, seqFile := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/initializerun?workerId=W1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("initialize failed: %d", w.Code)
	}

	body, _ := json.Marshal(models.RunPayload{
		WorkerID:        "W1",
		SequenceFile:    seqFile,
		ResponseIndices: []int{2},
		Medium:          "external",
		NumTrials:       3,
	})
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/finalizerun", bytes.NewReader(body)))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var res models.FinalizeResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if res.HitRate != 1 || res.FalseAlarmNum != 0 {
		t.Errorf("unexpected scores %+v", res)
	}

	trials, _ := repo.ListTrials(context.Background(), false, "W1")
	if len(trials) != 3 {
		t.Errorf("expected 3 stored trials, got %d", len(trials))
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/finalizerun", bytes.NewReader([]byte("{"))))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status %d for a broken body, got %d", http.StatusBadRequest, w.Code)
	}

	body, _ = json.Marshal(models.RunPayload{WorkerID: "W1", SequenceFile: seqFile, NumTrials: 50})
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/finalizerun", bytes.NewReader(body)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status %d for too many trials, got %d", http.StatusBadRequest, w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	var d models.Dashboard
	if err := json.NewDecoder(w.Body).Decode(&d); err != nil {
		t.Fatalf("failed to decode dashboard: %v", err)
	}
	if d.NumBlocksTotal != 1 || d.NumValidBlocks != 1 {
		t.Errorf("unexpected dashboard %+v", d)
	}
}

func TestHandler_FinalizeRun_ForeignSequenceFile(t *testing.T) {
	router, _, _ := newTestRouter(t)

	secret := filepath.Join(t.TempDir(), "secret.json")
	if err := os.WriteFile(secret, []byte("top secret contents"), 0o600); err != nil {
		t.Fatal(err)
	}

	body, _ := json.Marshal(models.RunPayload{SequenceFile: secret, Preview: true, NumTrials: 1, ResponseIndices: []int{0}})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/finalizerun", bytes.NewReader(body)))

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	if strings.Contains(w.Body.String(), "top secret") {
		t.Errorf("response leaks file contents: %s", w.Body.String())
	}
}

func TestHandler_InternalErrorsAreNotEchoed(t *testing.T) {
	h := NewHandler(nil, logger.NewNop())

	w := httptest.NewRecorder()
	h.respondServiceError(w, errors.New("open /var/lib/memorygame/db: permission denied"), "failed to get dashboard")

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
	var errResp models.ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if errResp.Message != "internal error" {
		t.Errorf("expected a generic message, got %q", errResp.Message)
	}
}

func TestHandler_CORSPreflight(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/finalizerun", nil))

	if w.Code != http.StatusNoContent {
		t.Errorf("expected status %d, got %d", http.StatusNoContent, w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("missing allow-origin header")
	}
}

// The participant-side client and submitter talk to the real routes.
func TestHandler_ClientRoundTrip(t *testing.T) {
	router, repo, _ := newTestRouter(t)
	server := httptest.NewServer(router)
	defer server.Close()

	ctx := context.Background()
	c := client.New(server.URL, server.Client())

	preview, err := c.InitializePreview(ctx, true)
	if err != nil {
		t.Fatalf("preview failed: %v", err)
	}
	if len(preview.Conditions) != 3 {
		t.Errorf("expected conditions in preview, got %v", preview.Conditions)
	}

	info, err := c.InitializeRun(ctx, "W1", "external", false)
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	res, err := c.FinalizeRun(ctx, models.RunPayload{
		WorkerID:        "W1",
		IndexToRun:      info.IndexToRun,
		SequenceFile:    info.SequenceFile,
		ResponseIndices: []int{},
		Medium:          "external",
		NumTrials:       len(info.Images),
		Timestamp:       info.Timestamp,
	})
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if res.HitRate != 0 {
		t.Errorf("expected hit rate 0, got %v", res.HitRate)
	}

	sub := submit.New(submit.MediumExternal, submit.Options{ServerURL: server.URL, HTTPClient: server.Client()})
	ack, err := sub.Submit(ctx, submit.Request{WorkerID: "W1", Medium: submit.MediumExternal, Bonus: 0.1, Timestamp: info.Timestamp})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if !ack.Positive || ack.Message != service.SubmissionAck {
		t.Errorf("unexpected ack %+v", ack)
	}

	subs, _ := repo.ListSubmissions(ctx, "W1")
	if len(subs) != 1 || subs[0].Compensation != 0.1 {
		t.Errorf("unexpected submissions %+v", subs)
	}
}
