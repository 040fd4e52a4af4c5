// Package collab holds the HTTP JSON clients for the external
// collaborators: the trainer, the quality analyzer, and the reviewer
// services. Each client satisfies the corresponding interface in pkg/cycle,
// pkg/quality, or pkg/review; timeouts live with the callers, which pass
// bounded contexts.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/Cognate-Labs/aegis/core/pkg/contracts"
	"github.com/Cognate-Labs/aegis/core/pkg/cycle"
	"github.com/Cognate-Labs/aegis/core/pkg/dataset"
	"github.com/Cognate-Labs/aegis/core/pkg/quality"
)

// TrainerClient calls an external training service.
type TrainerClient struct {
	url    string
	client *http.Client
}

// NewTrainerClient builds a trainer client. httpClient may be nil.
func NewTrainerClient(url string, httpClient *http.Client) *TrainerClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &TrainerClient{url: url, client: httpClient}
}

type trainRequest struct {
	DatasetDescriptor string `json:"dataset_descriptor"`
	MinSamples        int    `json:"min_samples"`
	MaxSamples        int    `json:"max_samples"`
}

func (c *TrainerClient) Train(ctx context.Context, datasetDescriptor string, size dataset.Range) (cycle.TrainResult, error) {
	var result cycle.TrainResult
	err := postJSON(ctx, c.client, c.url, trainRequest{
		DatasetDescriptor: datasetDescriptor,
		MinSamples:        size.Min,
		MaxSamples:        size.Max,
	}, &result)
	if err != nil {
		return cycle.TrainResult{}, fmt.Errorf("trainer: %w", err)
	}
	if result.ArtifactHash == "" {
		return cycle.TrainResult{}, fmt.Errorf("trainer: response missing artifact hash")
	}
	return result, nil
}

// AnalyzerClient calls the quality analyzer service.
type AnalyzerClient struct {
	url    string
	client *http.Client
}

// NewAnalyzerClient builds an analyzer client. httpClient may be nil.
func NewAnalyzerClient(url string, httpClient *http.Client) *AnalyzerClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &AnalyzerClient{url: url, client: httpClient}
}

type analyzeRequest struct {
	Descriptor string `json:"descriptor"`
	Stage      string `json:"stage"`
}

func (c *AnalyzerClient) Analyze(ctx context.Context, descriptor string, stage quality.GateStage) (contracts.Verdict, error) {
	var verdict contracts.Verdict
	err := postJSON(ctx, c.client, c.url, analyzeRequest{
		Descriptor: descriptor,
		Stage:      string(stage),
	}, &verdict)
	if err != nil {
		return contracts.Verdict{}, fmt.Errorf("analyzer: %w", err)
	}
	return verdict, nil
}

// ReviewerClient calls one external reviewer service. It returns the raw
// payload; the review aggregator schema-validates before trusting it.
type ReviewerClient struct {
	id     string
	url    string
	client *http.Client
}

// NewReviewerClient builds one reviewer client. httpClient may be nil.
func NewReviewerClient(id, url string, httpClient *http.Client) *ReviewerClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ReviewerClient{id: id, url: url, client: httpClient}
}

func (c *ReviewerClient) ID() string { return c.id }

type reviewRequest struct {
	ArtifactDescriptor string `json:"artifact_descriptor"`
}

func (c *ReviewerClient) Review(ctx context.Context, artifactDescriptor string) ([]byte, error) {
	body, err := json.Marshal(reviewRequest{ArtifactDescriptor: artifactDescriptor})
	if err != nil {
		return nil, fmt.Errorf("reviewer %s: marshal request: %w", c.id, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("reviewer %s: create request: %w", c.id, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reviewer %s: %w", c.id, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reviewer %s: status %d", c.id, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// postJSON posts a JSON body and decodes a JSON response into out.
func postJSON(ctx context.Context, client *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
