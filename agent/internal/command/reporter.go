package command

import (
	"context"
	"sort"
	"sync"
	"time"

	"fx-executor/agent/internal/events"
	"fx-executor/agent/internal/metrics"
	"fx-executor/agent/internal/wire"

	"github.com/rs/zerolog"
)

// Sink is one channel results are reported on.
type Sink interface {
	Name() string
	ReportResult(ctx context.Context, res wire.Result) error
}

// Notifier receives the side reports that accompany command outcomes.
type Notifier interface {
	ReportTrade(ctx context.Context, t wire.Trade) error
	ReportTradeClose(ctx context.Context, ticket string, c wire.TradeClose) error
	ReportSafetyAlert(ctx context.Context, a wire.SafetyAlert) error
	ReportError(ctx context.Context, e wire.ErrorReport) error
}

// Divergence is published when one channel accepted a report and another did not.
type Divergence struct {
	CommandID string            `json:"commandId"`
	Status    string            `json:"status"`
	Accepted  []string          `json:"accepted"`
	Failed    map[string]string `json:"failed"`
}

// Reporter fans results out to every sink. Results no sink accepted stay in the
// outbox until a later Flush gets one through.
type Reporter struct {
	sinks    []Sink
	attempts int
	retry    time.Duration
	timeout  time.Duration
	bus      *events.Bus
	log      zerolog.Logger

	mu     sync.Mutex
	outbox map[string]wire.Result
}

func NewReporter(sinks []Sink, attempts int, retry, timeout time.Duration, bus *events.Bus, log zerolog.Logger) *Reporter {
	if attempts <= 0 {
		attempts = 1
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Reporter{
		sinks:    sinks,
		attempts: attempts,
		retry:    retry,
		timeout:  timeout,
		bus:      bus,
		log:      log,
		outbox:   make(map[string]wire.Result),
	}
}

// Report sends res on every sink concurrently and reports whether any accepted it.
func (r *Reporter) Report(ctx context.Context, res wire.Result) bool {
	errs := make([]error, len(r.sinks))
	var wg sync.WaitGroup
	for i, s := range r.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.send(ctx, s, res)
		}()
	}
	wg.Wait()

	var accepted []string
	failed := map[string]string{}
	for i, s := range r.sinks {
		if errs[i] == nil {
			accepted = append(accepted, s.Name())
		} else {
			failed[s.Name()] = errs[i].Error()
		}
	}

	r.mu.Lock()
	if len(accepted) == 0 {
		r.outbox[res.CommandID] = res
	} else {
		delete(r.outbox, res.CommandID)
	}
	r.mu.Unlock()

	switch {
	case len(accepted) == 0:
		r.log.Error().Str("command_id", res.CommandID).Interface("errors", failed).Msg("result not accepted on any channel, kept for retry")
		return false
	case len(failed) > 0:
		r.log.Warn().Str("command_id", res.CommandID).Strs("accepted", accepted).Interface("failed", failed).Msg("result reports diverged")
		if r.bus != nil {
			_ = r.bus.Publish(events.TopicReportDivergence, Divergence{
				CommandID: res.CommandID,
				Status:    res.Status,
				Accepted:  accepted,
				Failed:    failed,
			})
		}
	}
	return true
}

func (r *Reporter) send(ctx context.Context, s Sink, res wire.Result) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		sctx, cancel := context.WithTimeout(ctx, r.timeout)
		err = s.ReportResult(sctx, res)
		cancel()
		metrics.IncReport(s.Name(), err == nil)
		if err == nil {
			return nil
		}
		r.log.Warn().Str("channel", s.Name()).Str("command_id", res.CommandID).Int("attempt", attempt).Err(err).Msg("report failed")
		if attempt == r.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(r.retry):
		}
	}
	return err
}

// Hold places res in the outbox without sending it.
func (r *Reporter) Hold(res wire.Result) {
	r.mu.Lock()
	r.outbox[res.CommandID] = res
	r.mu.Unlock()
}

// Flush re-sends every held result, oldest first, and calls onAck for each accepted one.
// It returns the number still unreported.
func (r *Reporter) Flush(ctx context.Context, onAck func(id string)) int {
	r.mu.Lock()
	held := make([]wire.Result, 0, len(r.outbox))
	for _, res := range r.outbox {
		held = append(held, res)
	}
	r.mu.Unlock()
	sort.Slice(held, func(i, j int) bool { return held[i].CompletedAt.Before(held[j].CompletedAt) })

	for _, res := range held {
		if ctx.Err() != nil {
			break
		}
		if r.Report(ctx, res) && onAck != nil {
			onAck(res.CommandID)
		}
	}
	return r.Pending()
}

func (r *Reporter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outbox)
}
