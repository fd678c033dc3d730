package fin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/stackwise/dcavault/internal/types"
	"github.com/stackwise/dcavault/internal/venue"
)

// Client talks to a fin-style orderbook venue over HTTP. Market swaps
// are accepted immediately and settle asynchronously; the settlement
// report is fetched by correlation id.
type Client struct {
	url        string
	httpClient http.Client
	logger     *logrus.Logger
}

func NewClient(url string) *Client {
	return &Client{
		url:        url,
		httpClient: http.Client{Timeout: 10 * time.Second},
		logger:     logrus.WithField("service", "fin-client").Logger,
	}
}

func (c *Client) bodyCloser(body io.ReadCloser) {
	if body != nil {
		if err := body.Close(); err != nil {
			c.logger.Error("Failed to close body, err:", err)
		}
	}
}

type priceResponse struct {
	Price decimal.Decimal `json:"price"`
}

func (c *Client) SpotPrice(ctx context.Context, venueAddress string, position types.PositionType) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/v1/books/%s/price?side=%s", c.url, venueAddress, position)

	var out priceResponse
	if err := c.getJSON(ctx, url, &out); err != nil {
		return decimal.Zero, fmt.Errorf("fail to query spot price: %w", err)
	}
	return out.Price, nil
}

func (c *Client) BeliefPrice(ctx context.Context, venueAddress string) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/v1/books/%s/twap", c.url, venueAddress)

	var out priceResponse
	if err := c.getJSON(ctx, url, &out); err != nil {
		return decimal.Zero, fmt.Errorf("fail to query belief price: %w", err)
	}
	return out.Price, nil
}

type submitSwapRequest struct {
	CorrelationID  string           `json:"correlation_id"`
	Offer          types.Coin       `json:"offer"`
	AskDenom       string           `json:"ask_denom"`
	MinimumReceive *decimal.Decimal `json:"minimum_receive,omitempty"`
}

func (c *Client) SubmitSwap(ctx context.Context, req venue.SwapRequest) error {
	url := fmt.Sprintf("%s/v1/books/%s/swaps", c.url, req.VenueAddress)

	payload := submitSwapRequest{
		CorrelationID:  req.CorrelationID.String(),
		Offer:          req.Offer,
		AskDenom:       req.AskDenom,
		MinimumReceive: req.MinimumReceive,
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("fail to marshal swap request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("fail to build swap request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("fail to submit swap: %w", err)
	}
	defer c.bodyCloser(resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("fail to submit swap: %s", resp.Status)
	}
	return nil
}

type swapResultResponse struct {
	Status   string     `json:"status"`
	Sent     types.Coin `json:"sent"`
	Received types.Coin `json:"received"`
	Reason   string     `json:"reason,omitempty"`
}

func (c *Client) SwapResult(ctx context.Context, correlationID uuid.UUID) (venue.SwapResult, error) {
	url := fmt.Sprintf("%s/v1/swaps/%s", c.url, correlationID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return venue.SwapResult{}, fmt.Errorf("fail to build swap result request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return venue.SwapResult{}, fmt.Errorf("fail to query swap result: %w", err)
	}
	defer c.bodyCloser(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusAccepted:
		return venue.SwapResult{}, venue.ErrResultPending
	default:
		return venue.SwapResult{}, fmt.Errorf("fail to query swap result: %s", resp.Status)
	}

	var out swapResultResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return venue.SwapResult{}, fmt.Errorf("fail to decode swap result: %w", err)
	}

	result := venue.SwapResult{
		Sent:     out.Sent,
		Received: out.Received,
		Reason:   out.Reason,
	}
	switch out.Status {
	case "succeeded":
		result.Status = venue.SwapStatusSucceeded
	case "failed":
		result.Status = venue.SwapStatusFailed
	case "pending":
		return venue.SwapResult{}, venue.ErrResultPending
	default:
		return venue.SwapResult{}, fmt.Errorf("unknown swap status: %s", out.Status)
	}
	return result, nil
}

type submitOrderRequest struct {
	Offer       types.Coin      `json:"offer"`
	TargetPrice decimal.Decimal `json:"target_price"`
}

type submitOrderResponse struct {
	Idx uint64 `json:"idx"`
}

func (c *Client) SubmitLimitOrder(ctx context.Context, venueAddress string, offer types.Coin, targetPrice decimal.Decimal) (uint64, error) {
	url := fmt.Sprintf("%s/v1/books/%s/orders", c.url, venueAddress)

	jsonData, err := json.Marshal(submitOrderRequest{Offer: offer, TargetPrice: targetPrice})
	if err != nil {
		return 0, fmt.Errorf("fail to marshal order request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return 0, fmt.Errorf("fail to build order request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("fail to submit limit order: %w", err)
	}
	defer c.bodyCloser(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return 0, fmt.Errorf("fail to submit limit order: %s", resp.Status)
	}

	var out submitOrderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("fail to decode order response: %w", err)
	}
	return out.Idx, nil
}

type orderStatusResponse struct {
	Idx            uint64     `json:"idx"`
	OriginalOffer  types.Coin `json:"original_offer"`
	RemainingOffer types.Coin `json:"remaining_offer"`
	FilledAmount   types.Coin `json:"filled_amount"`
}

func (c *Client) LimitOrderStatus(ctx context.Context, venueAddress string, orderIdx uint64) (venue.LimitOrder, error) {
	url := fmt.Sprintf("%s/v1/books/%s/orders/%d", c.url, venueAddress, orderIdx)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return venue.LimitOrder{}, fmt.Errorf("fail to build order status request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return venue.LimitOrder{}, fmt.Errorf("fail to query order status: %w", err)
	}
	defer c.bodyCloser(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return venue.LimitOrder{}, venue.ErrOrderNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return venue.LimitOrder{}, fmt.Errorf("fail to query order status: %s", resp.Status)
	}

	var out orderStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return venue.LimitOrder{}, fmt.Errorf("fail to decode order status: %w", err)
	}
	return venue.LimitOrder{
		Idx:            out.Idx,
		OriginalOffer:  out.OriginalOffer,
		RemainingOffer: out.RemainingOffer,
		FilledAmount:   out.FilledAmount,
	}, nil
}

type retractOrderResponse struct {
	Retracted types.Coin `json:"retracted"`
}

func (c *Client) RetractOrder(ctx context.Context, venueAddress string, orderIdx uint64) (types.Coin, error) {
	url := fmt.Sprintf("%s/v1/books/%s/orders/%d/retract", c.url, venueAddress, orderIdx)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return types.Coin{}, fmt.Errorf("fail to build retract request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return types.Coin{}, fmt.Errorf("fail to retract order: %w", err)
	}
	defer c.bodyCloser(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return types.Coin{}, venue.ErrOrderNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return types.Coin{}, fmt.Errorf("fail to retract order: %s", resp.Status)
	}

	var out retractOrderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.Coin{}, fmt.Errorf("fail to decode retract response: %w", err)
	}
	return out.Retracted, nil
}

type withdrawOrderRequest struct {
	CorrelationID string `json:"correlation_id"`
}

func (c *Client) WithdrawOrder(ctx context.Context, venueAddress string, orderIdx uint64, correlationID uuid.UUID) error {
	url := fmt.Sprintf("%s/v1/books/%s/orders/%d/withdraw", c.url, venueAddress, orderIdx)

	jsonData, err := json.Marshal(withdrawOrderRequest{CorrelationID: correlationID.String()})
	if err != nil {
		return fmt.Errorf("fail to marshal withdraw request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("fail to build withdraw request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("fail to withdraw order: %w", err)
	}
	defer c.bodyCloser(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return venue.ErrOrderNotFound
	}
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("fail to withdraw order: %s", resp.Status)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer c.bodyCloser(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return errors.New(resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
