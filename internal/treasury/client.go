// Package treasury executes distribution plans against the treasury
// service that holds the engine's funds.
package treasury

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stackwise/dcavault/internal/types"
)

type transferRequest struct {
	Recipient string `json:"recipient" validate:"required"`
	Denom     string `json:"denom" validate:"required"`
	Amount    string `json:"amount" validate:"required,numeric"`
	Payload   string `json:"payload,omitempty"`
}

type delegationRequest struct {
	Delegator string `json:"delegator" validate:"required"`
	Validator string `json:"validator" validate:"required"`
	Denom     string `json:"denom" validate:"required"`
	Amount    string `json:"amount" validate:"required,numeric"`
}

// Report tallies the delegate follow-ups so the caller can decide
// whether the automation fee has been earned.
type Report struct {
	DelegationsAttempted int
	DelegationsFailed    int
}

type Client struct {
	url        string
	httpClient http.Client
	logger     *logrus.Logger
}

func NewClient(url string) *Client {
	return &Client{
		url:        url,
		httpClient: http.Client{Timeout: 10 * time.Second},
		logger:     logrus.WithField("service", "treasury-client").Logger,
	}
}

func (c *Client) bodyCloser(body io.ReadCloser) {
	if body != nil {
		if err := body.Close(); err != nil {
			c.logger.Error("Failed to close body,err:", err)
		}
	}
}

// Dispatch executes a distribution plan. Transfers are mandatory; a
// failed transfer aborts the plan. Delegate follow-ups are best effort
// and only tallied in the report.
func (c *Client) Dispatch(ctx context.Context, msgs []types.DistributionMsg) (Report, error) {
	var report Report
	for _, msg := range msgs {
		if err := c.transfer(ctx, msg); err != nil {
			return report, fmt.Errorf("fail to dispatch transfer to %s: %w", msg.Recipient, err)
		}

		if msg.Kind != types.MsgKindDelegate {
			continue
		}
		report.DelegationsAttempted++
		if err := c.delegate(ctx, msg); err != nil {
			report.DelegationsFailed++
			c.logger.WithFields(logrus.Fields{
				"delegator": msg.Recipient,
				"validator": msg.Validator,
			}).Warnf("Delegate follow-up failed: %v", err)
		}
	}
	return report, nil
}

func (c *Client) transfer(ctx context.Context, msg types.DistributionMsg) error {
	body := transferRequest{
		Recipient: msg.Recipient,
		Denom:     msg.Amount.Denom,
		Amount:    msg.Amount.Amount.String(),
		Payload:   string(msg.Payload),
	}
	return c.post(ctx, "/v1/transfers", body)
}

func (c *Client) delegate(ctx context.Context, msg types.DistributionMsg) error {
	body := delegationRequest{
		Delegator: msg.Recipient,
		Validator: msg.Validator,
		Denom:     msg.Amount.Denom,
		Amount:    msg.Amount.Amount.String(),
	}
	return c.post(ctx, "/v1/delegations", body)
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("fail to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("fail to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fail to post %s: %w", path, err)
	}
	defer c.bodyCloser(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("fail to post %s: %s", path, resp.Status)
	}
	return nil
}
