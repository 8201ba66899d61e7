// Package rul proxies remaining-useful-life predictions from the
// external inference service. Outbound calls run behind a circuit
// breaker; while the breaker is open the last known prediction per
// battery is served with a degraded marker.
package rul

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	apperrors "github.com/voltguard/voltguard/internal/errors"
	"github.com/voltguard/voltguard/internal/models"
)

// Prediction is the inference service's response shape.
type Prediction struct {
	RULDays    float64 `json:"rul_days"`
	Confidence float64 `json:"confidence"`
	RiskLevel  string  `json:"risk_level"`
}

// Result wraps a prediction with degraded-mode bookkeeping.
type Result struct {
	Prediction
	BatteryID string    `json:"battery_id"`
	Degraded  bool      `json:"degraded"`
	CachedAt  time.Time `json:"cached_at,omitempty"`
}

// Config for the RUL client.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	MaxFailures uint32
	Cooldown    time.Duration
}

// Client calls the external predictor behind a circuit breaker.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker

	mu    sync.RWMutex
	cache map[string]Result
}

// NewClient builds the client. The breaker trips after the configured
// number of consecutive failures, stays open for the cooldown, then
// half-opens to admit a single probe.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "rul-predictor",
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("RUL circuit breaker state changed")
		},
	}

	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		cache:   make(map[string]Result),
	}
}

type predictRequest struct {
	BatteryID string                   `json:"battery_id"`
	History   []models.TelemetrySample `json:"history"`
}

// Predict returns the RUL for a battery. While the breaker is open (or
// the single half-open probe fails) the cached last-known prediction is
// returned with Degraded set; with no cache available the failure
// surfaces as Transient.
func (c *Client) Predict(ctx context.Context, batteryID string, history []models.TelemetrySample) (*Result, error) {
	const op = "rul.predict"

	out, err := c.breaker.Execute(func() (any, error) {
		return c.call(ctx, batteryID, history)
	})
	if err != nil {
		if cached, ok := c.cached(batteryID); ok {
			cached.Degraded = true
			return &cached, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, apperrors.Wrap(apperrors.KindDegraded, op,
				"RUL service unavailable and no cached prediction", err).WithEntity(batteryID)
		}
		return nil, apperrors.Wrap(apperrors.KindTransient, op,
			"RUL service request failed", err).WithEntity(batteryID)
	}

	pred := out.(*Prediction)
	result := Result{
		Prediction: *pred,
		BatteryID:  batteryID,
		CachedAt:   time.Now().UTC(),
	}

	c.mu.Lock()
	c.cache[batteryID] = result
	c.mu.Unlock()

	return &result, nil
}

// call performs the outbound request. Any 5xx or unexpected shape
// counts as a breaker failure.
func (c *Client) call(ctx context.Context, batteryID string, history []models.TelemetrySample) (*Prediction, error) {
	body, err := json.Marshal(predictRequest{BatteryID: batteryID, History: history})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("rul service returned status %d", resp.StatusCode)
	}

	var pred Prediction
	decoder := json.NewDecoder(io.LimitReader(resp.Body, 1<<20))
	if err := decoder.Decode(&pred); err != nil {
		return nil, fmt.Errorf("rul service returned malformed body: %w", err)
	}
	if pred.RULDays < 0 || pred.Confidence < 0 || pred.Confidence > 1 {
		return nil, fmt.Errorf("rul service returned out-of-range prediction")
	}
	return &pred, nil
}

func (c *Client) cached(batteryID string) (Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.cache[batteryID]
	return r, ok
}

// State exposes the breaker state for health reporting.
func (c *Client) State() string {
	return c.breaker.State().String()
}
