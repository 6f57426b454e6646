package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bmxtiming/timingcore/internal/model"
)

// HTTPPublisher posts single-envelope batches to the ingest boundary's
// POST /api/ingest/batch, satisfying Publisher. Single-envelope batches
// keep the gateway's per-message retry/spool semantics simple; the ingest
// endpoint itself accepts arbitrarily sized batches.
type HTTPPublisher struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
}

// NewHTTPPublisher constructs an HTTPPublisher with a bounded request
// timeout.
func NewHTTPPublisher(baseURL, bearerToken string) *HTTPPublisher {
	return &HTTPPublisher{
		BaseURL:     baseURL,
		BearerToken: bearerToken,
		HTTPClient:  &http.Client{Timeout: 5 * time.Second},
	}
}

type batchBody struct {
	ContractVersion string           `json:"contract_version"`
	Envelopes       []model.Envelope `json:"envelopes"`
}

func (p *HTTPPublisher) PublishEnvelope(ctx context.Context, env model.Envelope) error {
	body, err := json.Marshal(batchBody{ContractVersion: "v1", Envelopes: []model.Envelope{env}})
	if err != nil {
		return fmt.Errorf("gateway: marshal batch body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/api/ingest/batch", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.BearerToken)

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: ingest request failed: %w", err)
	}
	defer resp.Body.Close()

	// §6: the ingest boundary answers 2xx only when every item in the
	// batch is durable. A gateway batch is always a single envelope, so
	// any non-200 here means that one envelope was rejected and must be
	// spooled and retried, never treated as delivered.
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway: ingest rejected batch with status %d", resp.StatusCode)
	}
	return nil
}
