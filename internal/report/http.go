package report

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/arrlens/arrlens/internal/period"
	"github.com/arrlens/arrlens/internal/platform/httpx"
	"github.com/arrlens/arrlens/internal/revenue"
)

// Handler serves report endpoints.
type Handler struct {
	logger    *slog.Logger
	agg       *Aggregator
	rateLimit func(http.Handler) http.Handler
}

// NewHandler constructs the report handler. Report builds are expensive
// upstream, so the handler carries its own per-client rate limit on top
// of the router's global one.
func NewHandler(logger *slog.Logger, agg *Aggregator) *Handler {
	limiter := httprate.Limit(30, time.Minute, httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return "ip:" + r.RemoteAddr, nil
		}
		return "ip:" + host, nil
	}))
	return &Handler{logger: logger, agg: agg, rateLimit: limiter}
}

// MountRoutes registers report routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rateLimit)
		r.Get("/reports/arr", h.handleGetARR)
		r.Get("/reports/arr/summary", h.handleGetSummary)
	})
}

func (h *Handler) handleGetARR(w http.ResponseWriter, r *http.Request) {
	req, err := parseRequest(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	report, err := h.agg.Build(r.Context(), req)
	if err != nil {
		h.logger.Error("report build failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	source := Source(queryDefault(r, "source", string(SourceCRM)))
	if !source.Valid() {
		httpx.RespondError(w, fmt.Errorf("%w: unknown source %q", httpx.ErrValidation, source))
		return
	}
	summary, err := h.agg.Summarize(r.Context(), source)
	if err != nil {
		h.logger.Error("summary build failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func parseRequest(r *http.Request) (Request, error) {
	start, err := parseDateParam(r, "start")
	if err != nil {
		return Request{}, err
	}
	end, err := parseDateParam(r, "end")
	if err != nil {
		return Request{}, err
	}
	req := Request{
		Start:  start,
		End:    end,
		Grain:  period.Grain(queryDefault(r, "grain", string(period.GrainMonthly))),
		Mode:   Mode(queryDefault(r, "mode", string(ModeBooked))),
		Source: Source(queryDefault(r, "source", string(SourceCRM))),
	}
	if req.End.Before(req.Start) {
		return Request{}, fmt.Errorf("%w: end precedes start", httpx.ErrValidation)
	}
	return req, nil
}

func parseDateParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: missing %s", httpx.ErrValidation, name)
	}
	t := revenue.ParseDate(raw)
	if t.IsZero() {
		return time.Time{}, fmt.Errorf("%w: bad %s %q", httpx.ErrValidation, name, raw)
	}
	return t, nil
}

func queryDefault(r *http.Request, name, fallback string) string {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	return raw
}
