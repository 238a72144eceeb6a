package api

import (
	"errors"
	"net/http"
	"time"

	models "MarketAgg/internal/domain/models"
	"MarketAgg/internal/usecase"
	xhttp "MarketAgg/pkg/http"
	xlogger "MarketAgg/pkg/logger"

	"github.com/labstack/echo/v4"
)

// MarketEchoHandler exposes the aggregation engine over HTTP.
type MarketEchoHandler struct {
	logger *xlogger.Logger
	engine *usecase.Engine
	health func() map[string]interface{}
}

func NewMarketEchoHandler(logger *xlogger.Logger, engine *usecase.Engine, health func() map[string]interface{}) *MarketEchoHandler {
	return &MarketEchoHandler{logger: logger, engine: engine, health: health}
}

func (h *MarketEchoHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.GET("/quote", h.Quote)
	g.GET("/history", h.History)
	g.GET("/sources", h.Sources)
	g.GET("/logs", h.Logs)
	e.GET("/healthz", h.Healthz)
}

type quoteRequest struct {
	Symbol string `query:"symbol" validate:"required,min=1,max=20"`
}

type historyRequest struct {
	Symbol     string `query:"symbol" validate:"required,min=1,max=20"`
	From       string `query:"from" validate:"required"`
	To         string `query:"to" validate:"required"`
	Resolution string `query:"resolution" default:"1d" validate:"oneof=1s 1m 1h 1d"`
}

func (h *MarketEchoHandler) Quote(c echo.Context) error {
	req := &quoteRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	rec, err := h.engine.GetQuote(c.Request().Context(), req.Symbol)
	if err != nil {
		return h.mapError(c, "quote", err)
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=2")
	return xhttp.SuccessResponse(c, rec)
}

func (h *MarketEchoHandler) History(c echo.Context) error {
	req := &historyRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	from, ok := xhttp.ParseTime(req.From)
	if !ok {
		return xhttp.BadRequestResponse(c, "from must be RFC3339 or unix seconds")
	}
	to, ok := xhttp.ParseTime(req.To)
	if !ok {
		return xhttp.BadRequestResponse(c, "to must be RFC3339 or unix seconds")
	}

	bars, err := h.engine.GetHistory(c.Request().Context(), req.Symbol, from, to, models.Resolution(req.Resolution))
	if err != nil {
		return h.mapError(c, "history", err)
	}
	return xhttp.ListResponse(c, bars, int64(len(bars)))
}

func (h *MarketEchoHandler) Sources(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.engine.SourceHealth())
}

// Logs serves the deduplicated error log view collected by the logger.
func (h *MarketEchoHandler) Logs(c echo.Context) error {
	entries := h.logger.CollectedLogs()
	return xhttp.ListResponse(c, entries, int64(len(entries)))
}

func (h *MarketEchoHandler) Healthz(c echo.Context) error {
	body := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	}
	if h.health != nil {
		for k, v := range h.health() {
			body[k] = v
		}
	}
	return xhttp.SuccessResponse(c, body)
}

func (h *MarketEchoHandler) mapError(c echo.Context, op string, err error) error {
	switch {
	case errors.Is(err, models.ErrInvalidSymbol):
		return xhttp.AppErrorResponse(c, xhttp.NewAppError("ERR_INVALID_SYMBOL", "symbol", "unknown or malformed symbol", http.StatusNotFound).WithError(err))
	case errors.Is(err, models.ErrRateLimited):
		return xhttp.AppErrorResponse(c, xhttp.NewAppError("ERR_RATE_LIMITED", "", "upstream providers are rate limited", http.StatusTooManyRequests).WithError(err))
	case errors.Is(err, models.ErrAllSourcesUnavailable):
		return xhttp.AppErrorResponse(c, xhttp.NewAppError("ERR_SOURCES_DOWN", "", "no market data source available", http.StatusServiceUnavailable).WithError(err))
	default:
		h.logger.Error(op+" failed", xlogger.Error(err))
		return xhttp.InternalServerErrorResponse(c)
	}
}
