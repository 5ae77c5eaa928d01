package report

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"github.com/arrlens/arrlens/internal/crm"
	"github.com/arrlens/arrlens/internal/ledger"
	"github.com/arrlens/arrlens/internal/observability"
	"github.com/arrlens/arrlens/internal/period"
	"github.com/arrlens/arrlens/internal/platform/httpx"
	"github.com/arrlens/arrlens/internal/revenue"
	"github.com/arrlens/arrlens/internal/syncstore"
)

// DealSource is the slice of the CRM client the aggregator consumes.
type DealSource interface {
	SearchDeals(ctx context.Context, f crm.SearchFilter) ([]crm.Deal, error)
	DealLineItemIDs(ctx context.Context, dealIDs []string) (map[string][]string, error)
	BatchReadLineItems(ctx context.Context, ids []string) (map[string]crm.LineItem, error)
}

// DealUpdater writes computed values back onto CRM deals.
type DealUpdater interface {
	BatchUpdateDeals(ctx context.Context, updates []crm.DealUpdate) error
}

// LedgerSource is the slice of the sync cache the aggregator consumes.
type LedgerSource interface {
	SyncAll(ctx context.Context, from, to time.Time, force bool, maxRounds int) (syncstore.Result, error)
	Items(ctx context.Context, from, to time.Time) ([]ledger.LineItem, error)
}

// RateResolver converts currencies at monthly-average rates.
type RateResolver interface {
	MonthlyAverageRate(ctx context.Context, from, to string, closeDate time.Time) float64
}

// Config tunes the aggregator.
type Config struct {
	// TargetCurrency is the reporting currency every value converts to.
	TargetCurrency string
	// DealStage filters the CRM search; typically the closed-won stage.
	DealStage string
	// SyncRounds bounds how many ledger batches one report may trigger.
	SyncRounds int
}

func (c Config) withDefaults() Config {
	if c.TargetCurrency == "" {
		c.TargetCurrency = "USD"
	}
	if c.DealStage == "" {
		c.DealStage = "closedwon"
	}
	if c.SyncRounds <= 0 {
		c.SyncRounds = 50
	}
	return c
}

// Aggregator builds reports.
type Aggregator struct {
	deals    DealSource
	ledger   LedgerSource
	rates    RateResolver
	cache    *Cache
	metrics  *observability.Metrics
	cfg      Config
	logger   *slog.Logger
	validate *validator.Validate
	group    singleflight.Group
	now      func() time.Time
}

// NewAggregator wires the aggregator's collaborators. A nil metrics
// disables instrumentation.
func NewAggregator(deals DealSource, ledgerSrc LedgerSource, rates RateResolver, cache *Cache, metrics *observability.Metrics, cfg Config, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		deals:    deals,
		ledger:   ledgerSrc,
		rates:    rates,
		cache:    cache,
		metrics:  metrics,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Build validates the request and produces the report, memoizing the
// result and collapsing concurrent identical builds into one.
func (a *Aggregator) Build(ctx context.Context, req Request) (*Report, error) {
	if err := a.validateRequest(req); err != nil {
		return nil, err
	}
	if cached, ok := a.cache.Get(req); ok {
		return cached, nil
	}

	key := strings.Join([]string{
		req.Start.Format("2006-01-02"), req.End.Format("2006-01-02"),
		string(req.Grain), string(req.Mode), string(req.Source),
	}, "|")
	result, err, _ := a.group.Do(key, func() (any, error) {
		built, err := a.build(ctx, req)
		if err != nil {
			return nil, err
		}
		a.cache.Set(req, built)
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Report), nil
}

func (a *Aggregator) validateRequest(req Request) error {
	if err := a.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	if !req.Grain.Valid() {
		return fmt.Errorf("%w: unknown grain %q", httpx.ErrValidation, req.Grain)
	}
	if !req.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", httpx.ErrValidation, req.Mode)
	}
	if !req.Source.Valid() {
		return fmt.Errorf("%w: unknown source %q", httpx.ErrValidation, req.Source)
	}
	return nil
}

func (a *Aggregator) build(ctx context.Context, req Request) (*Report, error) {
	started := time.Now()
	periods := period.ForGrain(req.Start, req.End, req.Grain)

	var rows []Row
	var err error
	switch req.Source {
	case SourceLedger:
		rows, err = a.ledgerRows(ctx, req, periods)
	default:
		rows, err = a.dealRows(ctx, req, periods)
	}
	if err != nil {
		return nil, err
	}

	totals := make(map[string]float64, len(periods))
	for _, p := range periods {
		var sum float64
		for _, row := range rows {
			sum += row.ValuesByPeriod[p.Key]
		}
		totals[p.Key] = revenue.Round2(sum)
	}

	report := &Report{
		GeneratedAt:    a.now(),
		Mode:           req.Mode,
		Grain:          req.Grain,
		Source:         req.Source,
		Currency:       a.cfg.TargetCurrency,
		Periods:        periods,
		TotalsByPeriod: totals,
		Rows:           rows,
	}
	a.metrics.ObserveReportBuild(string(req.Mode), string(req.Source), time.Since(started))
	a.logger.Info("report built",
		slog.String("mode", string(req.Mode)),
		slog.String("grain", string(req.Grain)),
		slog.String("source", string(req.Source)),
		slog.Int("rows", len(rows)))
	return report, nil
}

func (a *Aggregator) ledgerRows(ctx context.Context, req Request, periods []period.Period) ([]Row, error) {
	res, err := a.ledger.SyncAll(ctx, req.Start, req.End, false, a.cfg.SyncRounds)
	a.metrics.ObserveUpstream("ledger", err)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", httpx.ErrUpstream, err)
	}
	a.metrics.ObserveSyncRound(res.Reason)
	items, err := a.ledger.Items(ctx, req.Start, req.End)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", httpx.ErrUpstream, err)
	}

	rows := make([]Row, 0, len(items))
	for _, item := range items {
		window := revenue.Window{Start: item.PeriodStart, End: item.PeriodEnd}
		// The stored end is inclusive; duration math wants the source's
		// exclusive boundary back.
		annualized := revenue.AnnualizeByDuration(item.AmountMajor(), item.PeriodStart, item.PeriodEnd.Add(time.Millisecond))
		if annualized == 0 {
			continue
		}

		fxDate := item.RecordCreatedAt
		if fxDate.IsZero() {
			fxDate = item.PeriodStart
		}
		currency := strings.ToUpper(item.Currency)
		rate := a.rates.MonthlyAverageRate(ctx, currency, a.cfg.TargetCurrency, fxDate)
		value := revenue.Round2(annualized * rate)

		rows = append(rows, Row{
			EntityID:        item.CustomerID,
			EntityName:      item.CustomerName,
			Description:     item.Description,
			Currency:        currency,
			FXRate:          rate,
			FXMonth:         fxDate.Format("2006-01"),
			AnnualizedValue: value,
			ValuesByPeriod:  attribute(value, window, periods, req.Grain, nil),
		})
	}
	return rows, nil
}

func (a *Aggregator) dealRows(ctx context.Context, req Request, periods []period.Period) ([]Row, error) {
	// Deals closed after the window cannot contribute; deals closed
	// before it may still bill through it, so only the upper bound is
	// applied.
	deals, err := a.deals.SearchDeals(ctx, crm.SearchFilter{Stage: a.cfg.DealStage, ClosedTo: req.End})
	a.metrics.ObserveUpstream("crm", err)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", httpx.ErrUpstream, err)
	}
	dealIDs := make([]string, 0, len(deals))
	for _, d := range deals {
		dealIDs = append(dealIDs, d.ID)
	}
	assoc, err := a.deals.DealLineItemIDs(ctx, dealIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", httpx.ErrUpstream, err)
	}
	var lineIDs []string
	for _, d := range deals {
		lineIDs = append(lineIDs, assoc[d.ID]...)
	}
	items, err := a.deals.BatchReadLineItems(ctx, lineIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", httpx.ErrUpstream, err)
	}

	var rows []Row
	for _, deal := range deals {
		rows = append(rows, a.dealLineRows(ctx, req, periods, deal, assoc[deal.ID], items)...)
	}
	return rows, nil
}

// dealLineRows produces one row per recurring line item of a deal. In
// contracted mode the earliest recurring line additionally receives the
// close-to-first-billing carry.
func (a *Aggregator) dealLineRows(ctx context.Context, req Request, periods []period.Period, deal crm.Deal, lineIDs []string, items map[string]crm.LineItem) []Row {
	currency := deal.Currency
	if currency == "" {
		currency = a.cfg.TargetCurrency
	}
	rate := a.rates.MonthlyAverageRate(ctx, currency, a.cfg.TargetCurrency, deal.CloseDate)

	// Earliest recurring line by window start; first encountered wins
	// exact ties, which follows the upstream association order.
	earliestID := ""
	var earliestStart time.Time
	for _, id := range lineIDs {
		item, ok := items[id]
		if !ok || revenue.IsOneTime(item.Fields) {
			continue
		}
		w, _ := revenue.ComputeWindow(item.Fields)
		if earliestID == "" || w.Start.Before(earliestStart) {
			earliestID = id
			earliestStart = w.Start
		}
	}

	var rows []Row
	for _, id := range lineIDs {
		item, ok := items[id]
		if !ok {
			continue
		}
		annualized := revenue.AnnualizeByFrequency(item.Fields)
		if annualized == 0 {
			continue
		}
		window, _ := revenue.ComputeWindow(item.Fields)
		value := revenue.Round2(annualized * rate)

		var carry *carrySpan
		if req.Mode == ModeContracted && id == earliestID &&
			!deal.CloseDate.IsZero() && deal.CloseDate.Before(window.Start) &&
			!deal.IsExistingBusiness() {
			carry = &carrySpan{start: deal.CloseDate, end: window.Start}
		}

		rows = append(rows, Row{
			EntityID:        deal.ID,
			EntityName:      deal.Name,
			Description:     item.Name,
			Currency:        currency,
			FXRate:          rate,
			FXMonth:         fxMonth(deal.CloseDate, a.now),
			AnnualizedValue: value,
			ValuesByPeriod:  attribute(value, window, periods, req.Grain, carry),
		})
	}
	return rows
}

// carrySpan bridges a contracted deal's close date to its first billing
// start.
type carrySpan struct {
	start, end time.Time
}

// attribute spreads a value over the periods the window covers. The
// representative instant is the period end for monthly and coarser
// grains (a month counts only while the window still covers its last
// day); daily periods count on simple overlap. A non-nil carry span
// additionally claims every period it touches.
func attribute(value float64, w revenue.Window, periods []period.Period, grain period.Grain, carry *carrySpan) map[string]float64 {
	out := make(map[string]float64, len(periods))
	for _, p := range periods {
		covered := false
		if grain == period.GrainDaily {
			covered = !w.Start.After(p.End) && !w.End.Before(p.Start)
		} else {
			covered = w.Covers(p.End)
		}
		if !covered && carry != nil {
			covered = !p.End.Before(carry.start) && !p.Start.After(carry.end)
		}
		if covered {
			out[p.Key] = value
		}
	}
	return out
}

func fxMonth(closeDate time.Time, now func() time.Time) string {
	if closeDate.IsZero() {
		return now().Format("2006-01")
	}
	return closeDate.Format("2006-01")
}

// Summarize builds the headline booked and contracted figures for the
// quarter containing now, plus the booked delta versus the prior month.
func (a *Aggregator) Summarize(ctx context.Context, source Source) (*Summary, error) {
	now := a.now()
	quarter := (int(now.Month())-1)/3 + 1
	qStart := time.Date(now.Year(), time.Month((quarter-1)*3+1), 1, 0, 0, 0, 0, now.Location())
	qEnd := qStart.AddDate(0, 3, -1)
	// One month of lead-in so the prior-month delta comes from the
	// same build.
	start := now.AddDate(0, -1, 0)
	start = time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, now.Location())

	booked, err := a.Build(ctx, Request{Start: start, End: qEnd, Grain: period.GrainMonthly, Mode: ModeBooked, Source: source})
	if err != nil {
		return nil, err
	}
	contracted, err := a.Build(ctx, Request{Start: start, End: qEnd, Grain: period.GrainMonthly, Mode: ModeContracted, Source: source})
	if err != nil {
		return nil, err
	}

	currentKey := now.Format("2006-01")
	priorKey := now.AddDate(0, -1, 0).Format("2006-01")
	summary := &Summary{
		GeneratedAt:      now,
		Quarter:          fmt.Sprintf("%04d-Q%d", qStart.Year(), quarter),
		Currency:         a.cfg.TargetCurrency,
		BookedARR:        booked.TotalsByPeriod[currentKey],
		ContractedARR:    contracted.TotalsByPeriod[currentKey],
		PriorMonthBooked: booked.TotalsByPeriod[priorKey],
	}
	summary.MonthDelta = revenue.Round2(summary.BookedARR - summary.PriorMonthBooked)
	return summary, nil
}

// ContractedRows builds the current quarter's contracted report and
// returns its rows. The write-back path uses it to find each deal's
// annualized contribution.
func (a *Aggregator) ContractedRows(ctx context.Context, source Source) ([]Row, error) {
	now := a.now()
	quarter := (int(now.Month())-1)/3 + 1
	qStart := time.Date(now.Year(), time.Month((quarter-1)*3+1), 1, 0, 0, 0, 0, now.Location())
	built, err := a.Build(ctx, Request{
		Start:  qStart,
		End:    qStart.AddDate(0, 3, -1),
		Grain:  period.GrainMonthly,
		Mode:   ModeContracted,
		Source: source,
	})
	if err != nil {
		return nil, err
	}
	return built.Rows, nil
}

// WriteBack annotates CRM deals with their contracted annualized value.
// One update per distinct deal; rows from other sources are skipped by
// the caller wiring only CRM-sourced reports here.
func WriteBack(ctx context.Context, updater DealUpdater, rows []Row) error {
	byDeal := map[string]float64{}
	order := []string{}
	for _, row := range rows {
		if _, seen := byDeal[row.EntityID]; !seen {
			order = append(order, row.EntityID)
		}
		byDeal[row.EntityID] = revenue.Round2(byDeal[row.EntityID] + row.AnnualizedValue)
	}
	updates := make([]crm.DealUpdate, 0, len(order))
	for _, id := range order {
		updates = append(updates, crm.DealUpdate{
			ID:         id,
			Properties: map[string]string{"arr_annualized_value": strconv.FormatFloat(byDeal[id], 'f', 2, 64)},
		})
	}
	if len(updates) == 0 {
		return nil
	}
	return updater.BatchUpdateDeals(ctx, updates)
}
