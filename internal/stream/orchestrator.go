package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/retry"
	"github.com/mbd888/fraudwatch/internal/scoring"
	"github.com/mbd888/fraudwatch/internal/syncutil"
	"github.com/mbd888/fraudwatch/internal/traces"
)

// errStopped reports that a unit was abandoned because of a stop signal.
var errStopped = errors.New("stream: stopped before unit completed")

// Options tunes the orchestrator.
type Options struct {
	// Workers bounds parallel scoring and alert dispatch within a unit.
	Workers int
	// PublishPolicy governs one round of publish attempts. Rounds repeat
	// until the publish succeeds or the orchestrator is stopped.
	PublishPolicy retry.Policy
	// CommitPolicy governs offset commits.
	CommitPolicy retry.Policy
	// RoundDelay separates publish rounds and failed fetches.
	RoundDelay time.Duration
}

// Stats are cumulative counters for one orchestrator.
type Stats struct {
	Units       int64 `json:"units"`
	Abandoned   int64 `json:"abandoned"`
	Records     int64 `json:"records"`
	Failed      int64 `json:"failed"`
	Alerts      int64 `json:"alerts"`
	Undelivered int64 `json:"undelivered"`
}

// Orchestrator drives records from a Source through the scoring engine to
// the publisher and the alert dispatcher.
type Orchestrator struct {
	source     Source
	engine     *scoring.Engine
	publisher  Publisher
	dispatcher *AlertDispatcher
	opts       Options
	logger     *slog.Logger

	units, abandoned, records, failed, alerted, undelivered atomic.Int64
}

// New creates an orchestrator. dispatcher may be nil, in which case no
// alerts are raised.
func New(source Source, engine *scoring.Engine, publisher Publisher, dispatcher *AlertDispatcher, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.RoundDelay <= 0 {
		opts.RoundDelay = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		source:     source,
		engine:     engine,
		publisher:  publisher,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
	}
}

// Stats returns a snapshot of the counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Units:       o.units.Load(),
		Abandoned:   o.abandoned.Load(),
		Records:     o.records.Load(),
		Failed:      o.failed.Load(),
		Alerts:      o.alerted.Load(),
		Undelivered: o.undelivered.Load(),
	}
}

// Run pulls units until ctx is cancelled or the source is exhausted. The
// stop signal is honoured between units only: a unit that has been fetched
// is scored, published and committed on a context detached from ctx, except
// that a publish still failing when ctx is cancelled abandons the unit
// without committing it. Run fails with an error wrapping ErrSinkCorrupted,
// leaving the unit uncommitted, once the alert sink reports corruption.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator started", "workers", o.opts.Workers)
	defer func() {
		s := o.Stats()
		o.logger.Info("orchestrator stopped",
			"units", s.Units, "records", s.Records, "failed", s.Failed,
			"alerts", s.Alerts, "undelivered", s.Undelivered, "abandoned", s.Abandoned)
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		unit, err := o.source.Fetch(ctx)
		if errors.Is(err, io.EOF) {
			o.logger.Info("source exhausted")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			o.logger.Warn("fetch failed", "error", err)
			if !sleep(ctx, o.opts.RoundDelay) {
				return nil
			}
			continue
		}

		if err := o.process(ctx, unit); err != nil {
			if errors.Is(err, errStopped) {
				o.abandoned.Add(1)
				metrics.StreamUnitsTotal.WithLabelValues("abandoned").Inc()
				o.logger.Warn("unit abandoned on stop, it will be redelivered", "position", unit.Position())
				return nil
			}
			return err
		}
	}
}

// process handles one unit end to end. Records within the unit are scored
// in parallel; each record's own steps stay strictly ordered.
func (o *Orchestrator) process(stop context.Context, unit *Unit) error {
	work := context.WithoutCancel(stop)
	attrs := append(traces.Offset(unit.Partition, unit.Offset), traces.BatchSize(len(unit.Records)))
	work, span := traces.StartSpan(work, "stream.unit", attrs...)
	defer span.End()
	start := time.Now()

	if len(unit.Records) == 0 {
		metrics.StreamUnitsTotal.WithLabelValues("empty").Inc()
		return o.commit(work, unit)
	}

	outcomes := o.engine.ScoreBatch(work, unit.Records, o.opts.Workers)
	for _, out := range outcomes {
		o.records.Add(1)
		if out.Err != nil {
			o.failed.Add(1)
			metrics.StreamRecordsTotal.WithLabelValues("failed").Inc()
			o.logger.Warn("record failed",
				"transaction_id", out.Prediction.TransactionID,
				"kind", out.Prediction.ErrorKind,
				"error", out.Err,
				"position", unit.Position(),
			)
			continue
		}
		metrics.StreamRecordsTotal.WithLabelValues("scored").Inc()
	}

	if err := o.publish(stop, work, outcomes); err != nil {
		traces.RecordError(span, err)
		return err
	}

	o.dispatchAlerts(work, outcomes)

	// Committing past a corrupted sink would lose this unit's alerts for good.
	if o.dispatcher != nil {
		if err := o.dispatcher.Healthy(); err != nil {
			o.abandoned.Add(1)
			metrics.StreamUnitsTotal.WithLabelValues("abandoned").Inc()
			o.logger.Error("alert sink corrupted, stopping without commit", "position", unit.Position(), "error", err)
			traces.RecordError(span, err)
			return err
		}
	}

	if err := o.commit(work, unit); err != nil {
		traces.RecordError(span, err)
		return err
	}
	metrics.StreamUnitDuration.Observe(time.Since(start).Seconds())
	return nil
}

// publish retries in rounds until the outcomes are out or stop is
// cancelled. The predictions are never dropped while running.
func (o *Orchestrator) publish(stop, work context.Context, outcomes []scoring.Outcome) error {
	for round := 1; ; round++ {
		err := o.opts.PublishPolicy.Do(work, func(ctx context.Context) error {
			return o.publisher.Publish(ctx, outcomes)
		})
		if err == nil {
			return nil
		}
		metrics.PublishRetriesTotal.Inc()
		o.logger.Warn("publish failed, retrying", "round", round, "records", len(outcomes), "error", err)
		if !sleep(stop, o.opts.RoundDelay) {
			return errStopped
		}
	}
}

func (o *Orchestrator) dispatchAlerts(ctx context.Context, outcomes []scoring.Outcome) {
	if o.dispatcher == nil {
		return
	}
	var flagged []scoring.Outcome
	for _, out := range outcomes {
		if out.Err == nil && out.Prediction.IsFraud {
			flagged = append(flagged, out)
		}
	}
	if len(flagged) == 0 {
		return
	}

	results := syncutil.Map(ctx, o.opts.Workers, flagged, func(ctx context.Context, _ int, out scoring.Outcome) string {
		return o.dispatcher.Dispatch(ctx, out.Record, out.Prediction)
	})
	for _, r := range results {
		switch r {
		case DispatchDelivered:
			o.alerted.Add(1)
		case DispatchUndelivered:
			o.undelivered.Add(1)
		}
	}
}

// commit acknowledges the unit. A unit whose commit fails is counted as
// abandoned; it will be redelivered and deduplicated downstream.
func (o *Orchestrator) commit(ctx context.Context, unit *Unit) error {
	err := o.opts.CommitPolicy.Do(ctx, func(ctx context.Context) error {
		return o.source.Commit(ctx, unit)
	})
	if err != nil {
		o.abandoned.Add(1)
		metrics.StreamUnitsTotal.WithLabelValues("abandoned").Inc()
		o.logger.Error("commit failed, unit will be redelivered", "position", unit.Position(), "error", err)
		return nil
	}
	o.units.Add(1)
	metrics.StreamUnitsTotal.WithLabelValues("committed").Inc()
	return nil
}

// sleep waits for d and reports false if ctx was cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
