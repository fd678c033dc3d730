package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/stackwise/dcavault/internal/escrow"
	"github.com/stackwise/dcavault/internal/tasks"
	"github.com/stackwise/dcavault/internal/types"
	"github.com/stackwise/dcavault/internal/vault"
	"github.com/stackwise/dcavault/storage"
)

const callerHeader = "X-Caller-Address"

// maxFeeRate bounds every admin-settable fee.
var maxFeeRate = decimal.NewFromFloat(0.05)

type CreateVaultRequest struct {
	Owner                string               `json:"owner" validate:"required"`
	Label                string               `json:"label"`
	Pair                 string               `json:"pair" validate:"required"`
	FundsDenom           string               `json:"funds_denom" validate:"required"`
	FundsAmount          decimal.Decimal      `json:"funds_amount" validate:"required"`
	SwapAmount           decimal.Decimal      `json:"swap_amount" validate:"required"`
	Interval             types.Interval       `json:"interval" validate:"required"`
	Destinations         []types.Destination  `json:"destinations"`
	TargetStartTime      *time.Time           `json:"target_start_time"`
	TargetReceiveAmount  *decimal.Decimal     `json:"target_receive_amount"`
	MinimumReceiveAmount *decimal.Decimal     `json:"minimum_receive_amount"`
	SlippageTolerance    *decimal.Decimal     `json:"slippage_tolerance"`
	PriceThreshold       *decimal.Decimal     `json:"price_threshold"`
	Plus                 *vault.PlusParams    `json:"plus"`
}

func (s *Server) CreateVault(c echo.Context) error {
	var req CreateVaultRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	created, err := s.vaults.Create(c.Request().Context(), vault.CreateParams{
		Owner:                req.Owner,
		Label:                req.Label,
		PairName:             req.Pair,
		Funds:                types.NewCoinFromDecimal(req.FundsDenom, req.FundsAmount),
		SwapAmount:           req.SwapAmount,
		Interval:             req.Interval,
		Destinations:         req.Destinations,
		TargetStartTime:      req.TargetStartTime,
		TargetReceiveAmount:  req.TargetReceiveAmount,
		MinimumReceiveAmount: req.MinimumReceiveAmount,
		SlippageTolerance:    req.SlippageTolerance,
		PriceThreshold:       req.PriceThreshold,
		Plus:                 req.Plus,
	}, time.Now().UTC())
	if err != nil {
		return s.domainError(err)
	}

	// a limit-order vault needs its resting order on the venue's book
	if req.TargetReceiveAmount != nil && created.Status == types.VaultStatusScheduled {
		if err := s.orchestrator.PlaceLimitOrder(c.Request().Context(), created.ID); err != nil {
			s.logger.WithFields(logrus.Fields{
				"vault_id": created.ID,
			}).Errorf("fail to place limit order: %v", err)
			// hand placement to the worker so the vault does not sit on
			// a trigger with no order behind it
			if err := s.enqueuePlaceOrder(created.ID); err != nil {
				return echo.NewHTTPError(http.StatusBadGateway,
					fmt.Sprintf("vault %d created but order placement failed", created.ID))
			}
		}
	}

	return c.JSON(http.StatusCreated, created)
}

func (s *Server) enqueuePlaceOrder(vaultID int64) error {
	buf, err := json.Marshal(tasks.PlaceOrderPayload{VaultID: vaultID})
	if err != nil {
		return err
	}
	_, err = s.queue.Enqueue(
		asynq.NewTask(tasks.TypePlaceOrder, buf),
		asynq.Queue(tasks.QueueName),
		asynq.ProcessIn(10*time.Second),
		asynq.MaxRetry(10),
		asynq.TaskID(fmt.Sprintf("place:%d", vaultID)),
		asynq.Timeout(time.Minute),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return err
	}
	return nil
}

type DepositRequest struct {
	Denom  string          `json:"denom" validate:"required"`
	Amount decimal.Decimal `json:"amount" validate:"required"`
}

func (s *Server) Deposit(c echo.Context) error {
	vaultID, err := vaultIDParam(c)
	if err != nil {
		return err
	}
	var req DepositRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	updated, err := s.vaults.Deposit(
		c.Request().Context(),
		vaultID,
		c.Request().Header.Get(callerHeader),
		types.NewCoinFromDecimal(req.Denom, req.Amount),
		time.Now().UTC(),
	)
	if err != nil {
		return s.domainError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

type UpdateVaultRequest struct {
	Destinations      []types.Destination `json:"destinations"`
	SlippageTolerance *decimal.Decimal    `json:"slippage_tolerance"`
	PriceThreshold    *decimal.Decimal    `json:"price_threshold"`
}

func (s *Server) UpdateVault(c echo.Context) error {
	vaultID, err := vaultIDParam(c)
	if err != nil {
		return err
	}
	var req UpdateVaultRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	updated, err := s.vaults.Update(c.Request().Context(), vaultID, c.Request().Header.Get(callerHeader), vault.UpdateParams{
		Destinations:      req.Destinations,
		SlippageTolerance: req.SlippageTolerance,
		PriceThreshold:    req.PriceThreshold,
	})
	if err != nil {
		return s.domainError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) CancelVault(c echo.Context) error {
	vaultID, err := vaultIDParam(c)
	if err != nil {
		return err
	}

	msgs, err := s.orchestrator.CancelVault(
		c.Request().Context(),
		vaultID,
		c.Request().Header.Get(callerHeader),
		time.Now().UTC(),
	)
	if err != nil {
		return s.domainError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"refunds": msgs,
	})
}

// ExecuteTrigger enqueues an execution attempt for the vault. The
// worker performs the due check; calling early is harmless.
func (s *Server) ExecuteTrigger(c echo.Context) error {
	vaultID, err := vaultIDParam(c)
	if err != nil {
		return err
	}
	if _, err := s.db.GetTrigger(c.Request().Context(), vaultID); err != nil {
		return s.domainError(err)
	}

	buf, err := json.Marshal(tasks.ExecuteTriggerPayload{VaultID: vaultID})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "fail to marshal payload")
	}
	ti, err := s.queue.Enqueue(
		asynq.NewTask(tasks.TypeExecuteTrigger, buf),
		asynq.Queue(tasks.QueueName),
		asynq.MaxRetry(0),
		asynq.Timeout(time.Minute),
	)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "fail to enqueue execution")
	}
	return c.JSON(http.StatusAccepted, map[string]string{"task_id": ti.ID})
}

func (s *Server) GetVault(c echo.Context) error {
	vaultID, err := vaultIDParam(c)
	if err != nil {
		return err
	}
	v, err := s.vaults.Get(c.Request().Context(), vaultID)
	if err != nil {
		return s.domainError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (s *Server) ListVaults(c echo.Context) error {
	owner := c.QueryParam("owner")
	if owner == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "owner is required")
	}

	var status *types.VaultStatus
	if raw := c.QueryParam("status"); raw != "" {
		st := types.VaultStatus(raw)
		status = &st
	}
	take := intQueryParam(c, "take", 0)
	skip := intQueryParam(c, "skip", 0)

	vaults, err := s.vaults.ListByOwner(c.Request().Context(), owner, status, take, skip)
	if err != nil {
		return s.domainError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"vaults": vaults,
	})
}

func (s *Server) ListEvents(c echo.Context) error {
	vaultID, err := vaultIDParam(c)
	if err != nil {
		return err
	}
	take := intQueryParam(c, "take", types.MinPageLimit)
	skip := intQueryParam(c, "skip", 0)

	events, err := s.db.GetEventsByVault(c.Request().Context(), vaultID, take, skip)
	if err != nil {
		return s.domainError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"events": events,
	})
}

type PerformanceResponse struct {
	VaultID         int64      `json:"vault_id"`
	Actual          types.Coin `json:"actual_received"`
	Standard        types.Coin `json:"standard_received"`
	Escrowed        types.Coin `json:"escrowed"`
	ProjectedFee    types.Coin `json:"projected_fee"`
	DisburseAt      *time.Time `json:"disburse_at,omitempty"`
	ExpectedEndDate time.Time  `json:"expected_completion_date"`
}

func (s *Server) GetPerformance(c echo.Context) error {
	vaultID, err := vaultIDParam(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	v, err := s.vaults.Get(ctx, vaultID)
	if err != nil {
		return s.domainError(err)
	}
	if v.Plus == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "not an enhanced vault")
	}

	cfg, err := s.db.GetFeeConfig(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "fail to load fee config")
	}
	beliefPrice, err := s.venue.BeliefPrice(ctx, v.Pair.VenueAddress)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "fail to query belief price")
	}

	return c.JSON(http.StatusOK, PerformanceResponse{
		VaultID:         v.ID,
		Actual:          v.ReceivedAmount,
		Standard:        v.Plus.StandardReceived,
		Escrowed:        v.Plus.EscrowedBalance,
		ProjectedFee:    escrow.PerformanceFee(v, beliefPrice, cfg.PerformanceFeeRate),
		DisburseAt:      v.Plus.DisburseAt,
		ExpectedEndDate: escrow.ExpectedCompletionDate(v, time.Now().UTC()),
	})
}

func (s *Server) ListPairs(c echo.Context) error {
	pairs, err := s.db.ListPairs(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "fail to list pairs")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"pairs": pairs,
	})
}

func (s *Server) CreatePair(c echo.Context) error {
	if err := s.requireAdmin(c); err != nil {
		return err
	}

	var pair types.Pair
	if err := c.Bind(&pair); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&pair); err != nil {
		return err
	}

	if err := s.db.CreatePair(c.Request().Context(), pair); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "fail to create pair")
	}
	return c.JSON(http.StatusCreated, pair)
}

func (s *Server) ListDueTriggers(c echo.Context) error {
	limit := intQueryParam(c, "limit", types.MinPageLimit)
	triggers, err := s.db.GetDueTimeTriggers(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "fail to list due triggers")
	}

	ids := make([]int64, 0, len(triggers))
	for _, t := range triggers {
		ids = append(ids, t.VaultID)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"vault_ids": ids,
	})
}

func (s *Server) GetFeeConfig(c echo.Context) error {
	cfg, err := s.db.GetFeeConfig(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "fail to load fee config")
	}
	return c.JSON(http.StatusOK, cfg)
}

func (s *Server) UpdateFeeConfig(c echo.Context) error {
	if err := s.requireAdmin(c); err != nil {
		return err
	}

	var cfg types.FeeConfig
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validateFeeConfig(cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := s.db.UpdateFeeConfig(c.Request().Context(), cfg); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "fail to update fee config")
	}
	return c.JSON(http.StatusOK, cfg)
}

func validateFeeConfig(cfg types.FeeConfig) error {
	rates := map[string]decimal.Decimal{
		"swap_fee_rate":       cfg.SwapFeeRate,
		"delegation_fee_rate": cfg.DelegationFeeRate,
	}
	for denom, rate := range cfg.DenomFeeOverrides {
		rates["override:"+denom] = rate
	}
	for name, rate := range rates {
		if rate.IsNegative() || rate.GreaterThan(maxFeeRate) {
			return fmt.Errorf("%s must be within [0, %s]", name, maxFeeRate)
		}
	}
	if cfg.PerformanceFeeRate.IsNegative() || cfg.PerformanceFeeRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("performance_fee_rate must be within [0, 1]")
	}
	if cfg.DefaultPageLimit < types.MinPageLimit || cfg.DefaultPageLimit > types.MaxPageLimit {
		return fmt.Errorf("default_page_limit must be within [%d, %d]", types.MinPageLimit, types.MaxPageLimit)
	}
	if cfg.DefaultSlippageTolerance.IsNegative() || cfg.DefaultSlippageTolerance.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("default_slippage_tolerance must be within [0, 1]")
	}
	if !cfg.MinimumSwapAmount.IsPositive() {
		return fmt.Errorf("minimum_swap_amount must be positive")
	}
	return nil
}

func (s *Server) requireAdmin(c echo.Context) error {
	cfg, err := s.db.GetFeeConfig(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "fail to load fee config")
	}
	if !cfg.IsAdmin(c.Request().Header.Get(callerHeader)) {
		return echo.NewHTTPError(http.StatusForbidden, "admin only")
	}
	return nil
}

func (s *Server) domainError(err error) error {
	switch {
	case errors.Is(err, storage.ErrVaultNotFound),
		errors.Is(err, storage.ErrTriggerNotFound),
		errors.Is(err, storage.ErrPairNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, vault.ErrUnauthorized):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, vault.ErrAlreadyCancelled),
		errors.Is(err, vault.ErrWrongFundingDenom),
		errors.Is(err, vault.ErrSwapAmountTooLow),
		errors.Is(err, vault.ErrNoDestinations),
		errors.Is(err, vault.ErrTooManyDestinations),
		errors.Is(err, vault.ErrAllocationClosure),
		errors.Is(err, vault.ErrZeroAllocation),
		errors.Is(err, vault.ErrDuplicateDestination),
		errors.Is(err, vault.ErrStartTimeInPast),
		errors.Is(err, vault.ErrExclusiveTriggers):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		s.logger.Errorf("unhandled error: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func vaultIDParam(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid vault id")
	}
	return id, nil
}

func intQueryParam(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
