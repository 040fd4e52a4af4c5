package collab_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cognate-Labs/aegis/core/pkg/collab"
	"github.com/Cognate-Labs/aegis/core/pkg/dataset"
	"github.com/Cognate-Labs/aegis/core/pkg/quality"
)

func TestTrainerClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "dataset://cq", req["dataset_descriptor"])
		assert.EqualValues(t, 100, req["min_samples"])
		assert.EqualValues(t, 1000, req["max_samples"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"artifact_hash": "sha256:abc",
			"fidelity":      0.91,
		})
	}))
	defer srv.Close()

	c := collab.NewTrainerClient(srv.URL, nil)
	result, err := c.Train(context.Background(), "dataset://cq", dataset.Range{Min: 100, Max: 1000})
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc", result.ArtifactHash)
	assert.InDelta(t, 0.91, result.Fidelity, 1e-9)
}

func TestTrainerClientMissingArtifact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"fidelity": 0.5})
	}))
	defer srv.Close()

	_, err := collab.NewTrainerClient(srv.URL, nil).Train(context.Background(), "d", dataset.Range{Min: 1, Max: 2})
	assert.ErrorContains(t, err, "artifact hash")
}

func TestTrainerClientHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server's background read can detect the
		// client disconnect and cancel the request context; otherwise the
		// deferred srv.Close deadlocks.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := collab.NewTrainerClient(srv.URL, nil).Train(ctx, "d", dataset.Range{Min: 1, Max: 2})
	assert.Error(t, err)
}

func TestAnalyzerClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "pre", req["stage"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"approved":  true,
			"score":     0.84,
			"rationale": "distribution within tolerance",
		})
	}))
	defer srv.Close()

	v, err := collab.NewAnalyzerClient(srv.URL, nil).Analyze(context.Background(), "dataset://cq", quality.StagePre)
	require.NoError(t, err)
	assert.True(t, v.Approved)
	assert.InDelta(t, 0.84, v.Score, 1e-9)
}

func TestAnalyzerClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := collab.NewAnalyzerClient(srv.URL, nil).Analyze(context.Background(), "d", quality.StagePost)
	assert.ErrorContains(t, err, "status 500")
}

func TestReviewerClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sha256:abc", req["artifact_descriptor"])
		_, _ = w.Write([]byte(`{"approved": true, "score": 0.9}`))
	}))
	defer srv.Close()

	c := collab.NewReviewerClient("rev-a", srv.URL, nil)
	assert.Equal(t, "rev-a", c.ID())

	payload, err := c.Review(context.Background(), "sha256:abc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"approved": true, "score": 0.9}`, string(payload))
}
