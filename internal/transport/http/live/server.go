// Package livehttp exposes the read-mostly operator API: engine status,
// position listings, trade history and a manual close endpoint.
package livehttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"marlin/internal/logger"
	"marlin/internal/position"
	"marlin/internal/risk"
	"marlin/internal/store/gormstore"
)

const maxTradePageSize = 500

// EngineControl is the slice of the trading engine the API drives.
type EngineControl interface {
	Running() bool
	CloseManual(ctx context.Context, symbol string) (*position.Position, error)
	FlattenAll(ctx context.Context) []position.Position
}

// TradeReader pages through the persisted trade journal.
// Satisfied by gormstore.Store.
type TradeReader interface {
	ListRecentTrades(ctx context.Context, symbol string, limit, offset int) ([]gormstore.TradeRecord, error)
	CountTrades(ctx context.Context, symbol string) (int, error)
}

// Server serves the /api endpoints plus /healthz.
type Server struct {
	addr   string
	router *gin.Engine
}

// ServerConfig describes the live HTTP server dependencies.
type ServerConfig struct {
	Addr    string
	Engine  EngineControl
	Risk    *risk.Manager
	Tracker *position.Tracker
	Trades  TradeReader
}

// NewServer builds the live HTTP server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Engine == nil || cfg.Risk == nil || cfg.Tracker == nil {
		return nil, errors.New("live http server requires engine, risk and tracker")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := &apiHandler{
		engine:  cfg.Engine,
		risk:    cfg.Risk,
		tracker: cfg.Tracker,
		trades:  cfg.Trades,
	}
	api := router.Group("/api")
	api.GET("/status", h.status)
	api.GET("/positions", h.positions)
	api.GET("/trades", h.listTrades)
	api.POST("/positions/:symbol/close", h.closePosition)
	api.POST("/flatten", h.flattenAll)

	return &Server{addr: cfg.Addr, router: router}, nil
}

type apiHandler struct {
	engine  EngineControl
	risk    *risk.Manager
	tracker *position.Tracker
	trades  TradeReader
}

func (h *apiHandler) status(c *gin.Context) {
	snap := h.risk.State()
	c.JSON(http.StatusOK, gin.H{
		"running": h.engine.Running(),
		"risk":    snap,
		"limits":  limitsView(h.risk.Limits()),
		"live":    len(h.tracker.LivePositions()),
	})
}

func limitsView(l risk.Limits) gin.H {
	return gin.H{
		"max_position_pct":  l.MaxPositionPct,
		"min_size_fraction": l.MinSizeFraction,
		"stop_loss_pct":     l.StopLossPct,
		"take_profit_pct":   l.TakeProfitPct,
		"max_daily_trades":  l.MaxDailyTrades,
		"max_daily_loss":    l.MaxDailyLoss,
		"cooldown_seconds":  int(l.Cooldown / time.Second),
	}
}

func (h *apiHandler) positions(c *gin.Context) {
	live := h.tracker.LivePositions()
	history := h.tracker.History()
	c.JSON(http.StatusOK, gin.H{
		"live":    live,
		"closed":  history,
		"summary": gin.H{"live": len(live), "closed": len(history)},
	})
}

func (h *apiHandler) listTrades(c *gin.Context) {
	if h.trades == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trade journal not configured"})
		return
	}
	symbol := strings.TrimSpace(c.Query("symbol"))
	limit := parsePositiveInt(c.Query("limit"), 50)
	if limit > maxTradePageSize {
		limit = maxTradePageSize
	}
	offset := parsePositiveInt(c.Query("offset"), 0)

	records, err := h.trades.ListRecentTrades(c.Request.Context(), symbol, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	total, err := h.trades.CountTrades(c.Request.Context(), symbol)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trades": records,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *apiHandler) closePosition(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}
	closed, err := h.engine.CloseManual(c.Request.Context(), symbol)
	if err != nil {
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), "no live position") {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": closed})
}

func (h *apiHandler) flattenAll(c *gin.Context) {
	closed := h.engine.FlattenAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"closed": closed, "count": len(closed)})
}

func parsePositiveInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

// requestLogger traces operator calls so manual actions stay auditable.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery
		client := c.ClientIP()
		c.Next()
		dur := time.Since(start)
		status := c.Writer.Status()
		fullPath := path
		if query != "" {
			fullPath = path + "?" + query
		}
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", method, fullPath, status, client, dur)
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
