package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorygame/internal/models"
)

func TestClient_InitializeRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/initializerun", r.URL.Path)
		assert.Equal(t, "W1", r.URL.Query().Get("workerId"))
		assert.Equal(t, "mturk", r.URL.Query().Get("medium"))
		assert.Equal(t, "true", r.URL.Query().Get("trialFeedback"))
		json.NewEncoder(w).Encode(models.RunInfo{
			IndexToRun:   1,
			SequenceFile: "track_0001.json",
			Images:       []string{"a.jpg", "b.jpg"},
			Conditions:   []string{"target", "target repeat"},
		})
	}))
	defer server.Close()

	info, err := New(server.URL+"/", server.Client()).InitializeRun(context.Background(), "W1", "mturk", true)
	require.NoError(t, err)
	assert.Equal(t, 1, info.IndexToRun)
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, info.Images)
	assert.Equal(t, "target repeat", info.Conditions[1])
}

func TestClient_InitializePreview(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/initializepreview", r.URL.Path)
		json.NewEncoder(w).Encode(models.RunInfo{Images: []string{"p.jpg"}})
	}))
	defer server.Close()

	info, err := New(server.URL, nil).InitializePreview(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"p.jpg"}, info.Images)
}

func TestClient_FinalizeRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var payload models.RunPayload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, []int{1, 4}, payload.ResponseIndices)

		json.NewEncoder(w).Encode(models.FinalizeResult{HitRate: 0.5, FalseAlarmNum: 1})
	}))
	defer server.Close()

	res, err := New(server.URL, server.Client()).FinalizeRun(context.Background(), models.RunPayload{ResponseIndices: []int{1, 4}})
	require.NoError(t, err)
	assert.Equal(t, 0.5, res.HitRate)
	assert.Equal(t, 1, res.FalseAlarmNum)
}

func TestClient_Errors(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer failing.Close()

	_, err := New(failing.URL, failing.Client()).FinalizeRun(context.Background(), models.RunPayload{})
	assert.ErrorContains(t, err, "status 500")

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer garbage.Close()

	_, err = New(garbage.URL, garbage.Client()).InitializeRun(context.Background(), "W1", "external", false)
	assert.ErrorContains(t, err, "unmarshal")

	closed := httptest.NewServer(http.NotFoundHandler())
	addr := closed.URL
	closed.Close()

	_, err = New(addr, nil).InitializeRun(context.Background(), "W1", "external", false)
	assert.Error(t, err)
}
