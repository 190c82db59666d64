package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/sportsedge/integrity-engine/configs"
	"github.com/sportsedge/integrity-engine/internal/models"
)

// ActionDispatchError reports a failed call to the account service. No alert
// state is written when dispatch fails. Retryable failures (transport errors,
// 429, 5xx) may be re-sent under the same idempotency key.
type ActionDispatchError struct {
	Action     models.AccountAction
	UserID     string
	StatusCode int
	Retryable  bool
	Message    string
}

func (e *ActionDispatchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("account service rejected %s for user %s: status %d: %s",
			e.Action, e.UserID, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("account service call failed for %s on user %s: %s",
		e.Action, e.UserID, e.Message)
}

// AccountServiceClient applies enforcement actions to user accounts through
// the account service's HTTP API.
type AccountServiceClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewAccountServiceClient creates a new account service client
func NewAccountServiceClient(cfg configs.AccountServiceConfig) *AccountServiceClient {
	return &AccountServiceClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type actionRequest struct {
	Action         string `json:"action"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
	Source         string `json:"source"`
}

// ApplyAction posts one enforcement action for the given user. The account
// service deduplicates on the idempotency key, so re-sending after a
// transport failure applies the action at most once.
func (c *AccountServiceClient) ApplyAction(ctx context.Context, userID uuid.UUID, action models.AccountAction, idempotencyKey, reason string) error {
	payload := actionRequest{
		Action:         string(action),
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
		Source:         "integrity-engine",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal action request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/accounts/%s/actions", c.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create action request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return &ActionDispatchError{
			Action:    action,
			UserID:    userID.String(),
			Retryable: true,
			Message:   err.Error(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	return &ActionDispatchError{
		Action:     action,
		UserID:     userID.String(),
		StatusCode: resp.StatusCode,
		Retryable:  retryableStatus(resp.StatusCode),
		Message:    strings.TrimSpace(string(respBody)),
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
