// Package submit sends a finished session to where the participant gets paid.
package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/memorygame/internal/models"
	"github.com/memorygame/internal/session"
)

// Request is what gets submitted at the end of a session.
type Request struct {
	AssignmentID string
	WorkerID     string
	Medium       Medium
	Feedback     string
	Bonus        float64
	Timestamp    string
	Runs         []models.RunPayload
}

// Ack is the acknowledgment shown to the participant.
type Ack struct {
	Positive bool
	Message  string
}

// Submitter is one submission sink.
type Submitter interface {
	Submit(ctx context.Context, req Request) (Ack, error)
}

// Options configure the sinks.
type Options struct {
	// ServerURL is the experiment backend, used by the generic sink.
	ServerURL string
	// IncludeSessionData attaches every run payload of the session.
	IncludeSessionData bool
	HTTPClient         *http.Client
}

// New picks the sink for a medium. Call it once at session start.
func New(medium Medium, opts Options) Submitter {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	switch medium {
	case MediumMTurk:
		return &FormSubmitter{URL: MTurkSubmitURL, client: client, includeRuns: opts.IncludeSessionData}
	case MediumSandbox:
		return &FormSubmitter{URL: SandboxSubmitURL, client: client, includeRuns: opts.IncludeSessionData}
	default:
		return &HTTPSubmitter{URL: joinURL(opts.ServerURL, "submitruns"), client: client, includeRuns: opts.IncludeSessionData}
	}
}

// RequestFromSession builds a submission from the session state.
func RequestFromSession(s *session.Context, feedback string) Request {
	req := Request{
		AssignmentID: s.ReferralID(),
		WorkerID:     s.WorkerID(),
		Medium:       ParseMedium(s.Medium()),
		Feedback:     feedback,
		Bonus:        s.Bonus(),
		Runs:         s.Runs(),
	}
	if last, ok := s.LastRun(); ok {
		req.Timestamp = last.Timestamp
	}
	return req
}

// FormSubmitter posts an HTML form, as mTurk's externalSubmit contract requires.
type FormSubmitter struct {
	URL         string
	client      *http.Client
	includeRuns bool
}

type formData struct {
	AssignmentID string              `json:"assignmentId"`
	WorkerID     string              `json:"workerId"`
	EarnedBonus  float64             `json:"earnedBonus"`
	Data         []models.RunPayload `json:"data,omitempty"`
}

// Form returns the encoded fields of the submission form
func (f *FormSubmitter) Form(req Request) (url.Values, error) {
	data := formData{
		AssignmentID: req.AssignmentID,
		WorkerID:     req.WorkerID,
		EarnedBonus:  req.Bonus,
	}
	if f.includeRuns {
		data.Data = req.Runs
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal form data: %w", err)
	}

	form := url.Values{}
	form.Set("assignmentId", req.AssignmentID)
	form.Set("workerId", req.WorkerID)
	form.Set("feedback", req.Feedback)
	form.Set("data", string(encoded))
	return form, nil
}

// Submit posts the form
func (f *FormSubmitter) Submit(ctx context.Context, req Request) (Ack, error) {
	if req.AssignmentID == "" || req.AssignmentID == models.PreviewAssignmentID {
		return Ack{}, fmt.Errorf("cannot submit without an accepted assignment")
	}

	form, err := f.Form(req)
	if err != nil {
		return Ack{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return Ack{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return Ack{Message: "submission failed"}, fmt.Errorf("failed to submit form: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(resp.Body)
		return Ack{Message: "submission failed"}, fmt.Errorf("form submission failed with status %d: %s", resp.StatusCode, string(body))
	}
	return Ack{Positive: true, Message: "submitted"}, nil
}

// HTTPSubmitter posts JSON to the experiment backend.
type HTTPSubmitter struct {
	URL         string
	client      *http.Client
	includeRuns bool
}

// Submit posts the submission; a non-2xx reply is a negative acknowledgment.
func (h *HTTPSubmitter) Submit(ctx context.Context, req Request) (Ack, error) {
	body := models.Submission{
		WorkerID:     req.WorkerID,
		Timestamp:    req.Timestamp,
		Compensation: req.Bonus,
		Medium:       req.Medium.String(),
		Feedback:     req.Feedback,
	}
	if h.includeRuns {
		body.Runs = req.Runs
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return Ack{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewBuffer(jsonData))
	if err != nil {
		return Ack{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Ack{Message: "submission failed"}, fmt.Errorf("failed to submit: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Ack{Message: "submission failed"}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Ack{Message: "submission failed"}, fmt.Errorf("submission failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var msg string
	if err := json.Unmarshal(respBody, &msg); err != nil {
		msg = strings.TrimSpace(string(respBody))
	}
	return Ack{Positive: true, Message: msg}, nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + path
}
