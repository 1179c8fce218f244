package operator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/txtgate/sms-gateway/internal/config"
)

// ErrAllOperatorsFailed is the terminal outcome when every operator was
// exhausted; the message settles FAILED and the balance is not refunded.
var ErrAllOperatorsFailed = errors.New("all operators failed after retries")

// maxAttempts is the per-operator transport retry budget.
const maxAttempts = 3

// Operator is one upstream SMS provider endpoint.
type Operator struct {
	Name     string
	URL      string
	Priority int
	Timeout  time.Duration
}

// Dispatcher tries operators in ascending priority order. HTTP-layer errors
// are assumed transient and retried with 1s, 2s backoff; a 200 response
// whose body is not status "sent" is an operator-level reject and fails
// over immediately; more retries against that operator are wasteful.
type Dispatcher struct {
	operators []Operator
	client    *http.Client
	// backoffBase scales the 2^attempt sleep; tests shrink it.
	backoffBase time.Duration
	log         *zap.Logger
}

func NewDispatcher(cfgs []config.OperatorConfig, log *zap.Logger) *Dispatcher {
	ops := make([]Operator, 0, len(cfgs))
	for _, c := range cfgs {
		timeout := c.Timeout()
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ops = append(ops, Operator{Name: c.Name, URL: c.URL, Priority: c.Priority, Timeout: timeout})
	}
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Priority < ops[j].Priority })

	return &Dispatcher{
		operators:   ops,
		client:      &http.Client{},
		backoffBase: time.Second,
		log:         log,
	}
}

type operatorRequest struct {
	PhoneNumber string `json:"phone_number"`
	Message     string `json:"message"`
}

type operatorResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// Send delivers (phone, text) through the operator chain and returns the
// provider-side message id on success.
func (d *Dispatcher) Send(ctx context.Context, phone, text string) (string, error) {
	for _, op := range d.operators {
		d.log.Info("trying operator", zap.String("operator", op.Name), zap.Int("priority", op.Priority))

		providerID, err := d.sendWithBackoff(ctx, op, phone, text)
		if err == nil {
			d.log.Info("SMS sent",
				zap.String("operator", op.Name),
				zap.String("provider_message_id", providerID),
			)
			return providerID, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		d.log.Warn("operator failed, trying next",
			zap.String("operator", op.Name),
			zap.Error(err),
		)
	}
	return "", ErrAllOperatorsFailed
}

// sendWithBackoff retries one operator through transport failures. A reject
// body short-circuits: the error returned is terminal for this operator.
func (d *Dispatcher) sendWithBackoff(ctx context.Context, op Operator, phone, text string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		providerID, reject, err := d.attempt(ctx, op, phone, text)
		if err == nil && reject == "" {
			return providerID, nil
		}
		if reject != "" {
			return "", fmt.Errorf("operator %s rejected: %s", op.Name, reject)
		}

		lastErr = err
		d.log.Warn("operator attempt failed",
			zap.String("operator", op.Name),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(err),
		)
		if attempt < maxAttempts-1 {
			// 1s, 2s between the three attempts
			backoff := time.Duration(1<<uint(attempt)) * d.backoffBase
			if !sleepCtx(ctx, backoff) {
				return "", ctx.Err()
			}
		}
	}
	return "", lastErr
}

// attempt issues one HTTP POST. reject is non-empty for an operator-level
// 200/"failed" response; err is non-nil for retryable transport failures.
func (d *Dispatcher) attempt(ctx context.Context, op Operator, phone, text string) (providerID, reject string, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, op.Timeout)
	defer cancel()

	body, err := json.Marshal(operatorRequest{PhoneNumber: phone, Message: text})
	if err != nil {
		return "", "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, op.URL, bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("HTTP error %d", resp.StatusCode)
	}

	var or operatorResponse
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return "", "", fmt.Errorf("decode response: %w", err)
	}
	if or.Status == "sent" {
		return or.MessageID, "", nil
	}
	if or.Error == "" {
		or.Error = "unknown error"
	}
	return "", or.Error, nil
}

// sleepCtx returns false when ctx was cancelled before the duration passed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
