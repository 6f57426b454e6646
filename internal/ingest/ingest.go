// Package ingest implements the POST /api/ingest/batch boundary: contract
// validation, JWT authorization per declared track_id, durable publish
// with the idempotency key, and typed per-item rejection without failing
// the whole batch, per §4.3.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/bmxtiming/timingcore/internal/authtoken"
	"github.com/bmxtiming/timingcore/internal/config"
	"github.com/bmxtiming/timingcore/internal/contract"
	"github.com/bmxtiming/timingcore/internal/model"
	"github.com/bmxtiming/timingcore/pkg/log"
)

var errUnauthorized = errors.New("ingest: missing or malformed bearer token")

// ItemStatus is the per-envelope outcome reported back to the caller.
type ItemStatus string

const (
	StatusOK           ItemStatus = "ok"
	StatusBadContract  ItemStatus = "bad_contract"
	StatusUnauthorized ItemStatus = "unauthorized"
	StatusMalformed    ItemStatus = "malformed"
	StatusTooLarge     ItemStatus = "too_large"
)

const maxEnvelopeBytes = 64 * 1024

// Publisher durably appends one envelope to the raw stream, acking only
// after durable append completes.
type Publisher interface {
	PublishRaw(ctx context.Context, env model.Envelope) error
}

// Authorizer verifies a bearer token and exposes which tracks it covers.
type Authorizer interface {
	Verify(tokenString string) (*authtoken.Claims, error)
}

// Handler serves POST /api/ingest/batch and GET /api/ingest/contract.
type Handler struct {
	Publisher  Publisher
	Authorizer Authorizer
	Limiter    *rate.Limiter
}

// NewHandler constructs a Handler with a token-bucket limiter sized from
// config, per §5's backpressure design ("bounded outstanding batch count").
func NewHandler(publisher Publisher, authz Authorizer) *Handler {
	return &Handler{
		Publisher:  publisher,
		Authorizer: authz,
		Limiter:    rate.NewLimiter(rate.Limit(config.Keys.IngestRateLimit), config.Keys.IngestRateBurst),
	}
}

type batchRequest struct {
	ContractVersion string           `json:"contract_version"`
	Envelopes       []model.Envelope `json:"envelopes"`
}

type itemResult struct {
	EventID string     `json:"event_id"`
	Status  ItemStatus `json:"status"`
}

type batchResponse struct {
	Results []itemResult `json:"results"`
}

// ServeBatch handles POST /api/ingest/batch.
func (h *Handler) ServeBatch(w http.ResponseWriter, r *http.Request) {
	if !h.Limiter.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	claims, err := h.authorize(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	raw, err := readLimited(r, maxEnvelopeBytes*256)
	if err != nil {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}

	var req batchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	if err := contract.ValidateBatch(req.ContractVersion, raw); err != nil {
		// The schema is checked against the batch as a whole, so a contract
		// failure marks every item bad_contract and publishes none of them.
		log.Warnf("ingest: contract validation failed: %v", err)
		rejected := make([]itemResult, 0, len(req.Envelopes))
		for _, env := range req.Envelopes {
			rejected = append(rejected, itemResult{EventID: env.EventID, Status: StatusBadContract})
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(batchResponse{Results: rejected})
		return
	}

	results := make([]itemResult, 0, len(req.Envelopes))
	allOK := true
	for _, env := range req.Envelopes {
		status := h.processOne(r.Context(), claims, env, req.ContractVersion)
		if status != StatusOK {
			allOK = false
		}
		results = append(results, itemResult{EventID: env.EventID, Status: status})
	}

	w.Header().Set("Content-Type", "application/json")
	if allOK {
		w.WriteHeader(http.StatusOK)
	} else {
		// §6 requires a 2xx response only when every item in the batch is
		// durable. Any rejection, however partial, is reported with a
		// non-2xx status so a caller that only checks status code (rather
		// than parsing per-item results) never mistakes a partial failure
		// for a fully accepted batch.
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	_ = json.NewEncoder(w).Encode(batchResponse{Results: results})
}

func (h *Handler) processOne(ctx context.Context, claims *authtoken.Claims, env model.Envelope, contractVersion string) ItemStatus {
	if env.TrackID == "" || env.ClientID == "" || env.BootID == "" {
		return StatusMalformed
	}
	if encoded, err := json.Marshal(env); err != nil {
		return StatusMalformed
	} else if len(encoded) > maxEnvelopeBytes {
		return StatusTooLarge
	}
	if !claims.AuthorizedForTrack(env.TrackID) {
		return StatusUnauthorized
	}
	if _, ok := config.TrackByID(env.TrackID); !ok {
		return StatusBadContract
	}

	env.ContractVersion = contractVersion
	env.IngestedAtUS = time.Now().UTC().UnixMicro()
	if env.EventID == "" {
		env.EventID = env.IdempotencyKey()
	}

	if err := h.Publisher.PublishRaw(ctx, env); err != nil {
		log.Errorf("ingest: publish failed for %s: %v", env.EventID, err)
		return StatusMalformed
	}
	return StatusOK
}

func (h *Handler) authorize(r *http.Request) (*authtoken.Claims, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return nil, errUnauthorized
	}
	return h.Authorizer.Verify(header[len(prefix):])
}

// ServeContract handles GET /api/ingest/contract, the added interface
// surfacing which contract versions this deployment currently accepts.
func (h *Handler) ServeContract(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		SupportedVersions []string `json:"supported_versions"`
	}{SupportedVersions: contract.SupportedVersions})
}

func readLimited(r *http.Request, max int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, max)
	return io.ReadAll(r.Body)
}
