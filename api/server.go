// Package api exposes the engine over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/sirupsen/logrus"

	"github.com/stackwise/dcavault/config"
	"github.com/stackwise/dcavault/internal/escrow"
	"github.com/stackwise/dcavault/internal/swap"
	"github.com/stackwise/dcavault/internal/vault"
	"github.com/stackwise/dcavault/internal/venue"
	"github.com/stackwise/dcavault/storage"
)

type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Server struct {
	cfg          config.Config
	echo         *echo.Echo
	db           storage.DatabaseStorage
	vaults       *vault.Manager
	orchestrator *swap.Orchestrator
	escrow       *escrow.Settlement
	venue        venue.Venue
	queue        Enqueuer
	logger       *logrus.Logger
}

type customValidator struct {
	validator *validator.Validate
}

func (cv *customValidator) Validate(i interface{}) error {
	if err := cv.validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func NewServer(
	cfg config.Config,
	db storage.DatabaseStorage,
	vaults *vault.Manager,
	orchestrator *swap.Orchestrator,
	escrowSettlement *escrow.Settlement,
	v venue.Venue,
	queue Enqueuer,
) *Server {
	return &Server{
		cfg:          cfg,
		db:           db,
		vaults:       vaults,
		orchestrator: orchestrator,
		escrow:       escrowSettlement,
		venue:        v,
		queue:        queue,
		logger:       logrus.WithField("service", "api").Logger,
	}
}

func (s *Server) StartServer() error {
	e := echo.New()
	e.Logger.SetLevel(log.ERROR)
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Validator = &customValidator{validator: validator.New()}

	e.GET("/ping", s.Ping)

	grp := e.Group("/v1")
	grp.POST("/vaults", s.CreateVault)
	grp.GET("/vaults", s.ListVaults)
	grp.GET("/vaults/:id", s.GetVault)
	grp.PUT("/vaults/:id", s.UpdateVault)
	grp.DELETE("/vaults/:id", s.CancelVault)
	grp.POST("/vaults/:id/deposits", s.Deposit)
	grp.POST("/vaults/:id/executions", s.ExecuteTrigger)
	grp.GET("/vaults/:id/events", s.ListEvents)
	grp.GET("/vaults/:id/performance", s.GetPerformance)

	grp.GET("/pairs", s.ListPairs)
	grp.POST("/pairs", s.CreatePair)

	grp.GET("/triggers/due", s.ListDueTriggers)

	grp.GET("/config", s.GetFeeConfig)
	grp.PUT("/config", s.UpdateFeeConfig)

	s.echo = e
	return e.Start(fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.echo == nil {
		return nil
	}
	return s.echo.Shutdown(ctx)
}

func (s *Server) Ping(c echo.Context) error {
	return c.String(http.StatusOK, "DCA Vault Engine is running")
}
