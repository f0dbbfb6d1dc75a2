package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/coin-ingest/internal/checkpoint"
	"github.com/JakeFAU/coin-ingest/internal/etl"
	"github.com/JakeFAU/coin-ingest/internal/runs"
	"github.com/JakeFAU/coin-ingest/internal/store"
	"github.com/JakeFAU/coin-ingest/internal/telemetry"
)

// attempt accumulates the state of one source's run.
type attempt struct {
	source     string
	runID      int64
	ingested   int
	normalized int
	skipped    int
	watermark  *time.Time
	metadata   map[string]any
}

func (a *attempt) completion() runs.Completion {
	return runs.Completion{
		RunID:             a.runID,
		RecordsIngested:   a.ingested,
		RecordsNormalized: a.normalized,
		Metadata:          a.metadata,
	}
}

func (a *attempt) outcome(status etl.RunStatus, err error) etl.SourceOutcome {
	out := etl.SourceOutcome{
		Source:            a.source,
		RunID:             a.runID,
		Status:            status,
		RecordsIngested:   a.ingested,
		RecordsNormalized: a.normalized,
		RecordsSkipped:    a.skipped,
		Watermark:         a.watermark,
		Err:               err,
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// runSource never panics and never returns an error: every failure becomes a
// FAILED outcome so the other sources keep going.
func (o *Orchestrator) runSource(ctx context.Context, cycleID string, src Source) (out etl.SourceOutcome) {
	name := src.Ingester.Name()
	logger := o.logger.With(zap.String("source", name), zap.String("cycle_id", cycleID))
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.source",
		trace.WithAttributes(attribute.String("source", name), attribute.String("cycle_id", cycleID)))
	defer span.End()

	start := o.deps.Clock.Now()
	a := &attempt{source: name, metadata: map[string]any{"cycle_id": cycleID}}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("source panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			out = o.fail(ctx, logger, a, fmt.Errorf("panic: %v", r))
		}
		out.Duration = o.deps.Clock.Now().Sub(start)
		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, "source failed")
		}
		span.SetAttributes(
			attribute.Int64("run_id", out.RunID),
			attribute.Int("records_ingested", out.RecordsIngested),
			attribute.Int("records_normalized", out.RecordsNormalized),
		)
		telemetry.ObserveRun(name, string(out.Status), out.Duration)
	}()

	if err := o.execute(ctx, logger, src, a); err != nil {
		return o.fail(ctx, logger, a, err)
	}
	telemetry.ObserveRecords(name, "ingested", a.ingested)
	telemetry.ObserveRecords(name, "normalized", a.normalized)
	telemetry.ObserveRecords(name, "skipped", a.skipped)
	if a.watermark != nil {
		telemetry.ObserveWatermark(name, *a.watermark)
	}
	logger.Info("run succeeded",
		zap.Int64("run_id", a.runID),
		zap.Int("ingested", a.ingested),
		zap.Int("normalized", a.normalized),
		zap.Int("skipped", a.skipped),
	)
	return a.outcome(etl.RunSuccess, nil)
}

func (o *Orchestrator) execute(ctx context.Context, logger *zap.Logger, src Source, a *attempt) error {
	runID, err := o.deps.Runs.Start(ctx, a.source)
	if err != nil {
		return err
	}
	a.runID = runID
	logger = logger.With(zap.Int64("run_id", runID))

	cp, err := o.deps.Checkpoints.Get(ctx, a.source)
	if err != nil {
		return err
	}
	a.watermark = cp.LastSuccessfulTimestamp

	batch, err := src.Ingester.FetchSince(ctx, cp.Watermark())
	if err != nil {
		return err
	}
	a.ingested = len(batch.Records)
	logger.Debug("fetched batch", zap.Int("records", a.ingested))

	if a.ingested > 0 {
		ingestedAt := o.deps.Clock.Now().UTC()
		if err := o.deps.Store.AppendRaw(ctx, a.source, runID, batch.Records, ingestedAt); err != nil {
			return fmt.Errorf("append raw: %w", err)
		}
		o.archive(ctx, logger, a, batch.Records, ingestedAt)
	}

	quotes, err := o.normalize(logger, src, batch.Records, a)
	if err != nil {
		return err
	}

	var committed etl.Checkpoint
	err = o.deps.Store.WithTx(ctx, func(tx store.Tx) error {
		changed, err := o.deps.Writer.Write(ctx, tx, quotes)
		if err != nil {
			return err
		}
		a.metadata["rows_changed"] = changed
		committed, _, err = o.deps.Checkpoints.AdvanceOnSuccess(ctx, tx, checkpoint.Advance{
			Source:    a.source,
			// Skipped records were consumed, so their timestamps still move the watermark.
			Watermark: batch.MaxTimestamp(),
			RunID:     runID,
			Cursor:    batch.Cursor,
			Data:      batch.Data,
		})
		if err != nil {
			return err
		}
		return o.deps.Runs.MarkSucceeded(ctx, tx, a.completion())
	})
	if err != nil {
		return &PersistenceError{Source: a.source, RunID: runID, Err: err}
	}
	if committed.LastSuccessfulTimestamp != nil {
		a.watermark = committed.LastSuccessfulTimestamp
	}
	return nil
}

// archive copies the batch to blob storage. Failures only cost the copy;
// the raw table already holds the lineage.
func (o *Orchestrator) archive(ctx context.Context, logger *zap.Logger, a *attempt, records []etl.RawRecord, at time.Time) {
	if o.deps.Archiver == nil {
		return
	}
	uri, err := o.deps.Archiver.Archive(ctx, a.source, a.runID, at, records)
	if err != nil {
		logger.Warn("archive batch failed", zap.Error(err))
		a.metadata["archive_error"] = err.Error()
		return
	}
	a.metadata["archive_uri"] = uri
}

func (o *Orchestrator) normalize(logger *zap.Logger, src Source, records []etl.RawRecord, a *attempt) ([]etl.Quote, error) {
	quotes := make([]etl.Quote, 0, len(records))
	var samples []string
	for _, rec := range records {
		q, err := src.Normalizer.Normalize(rec)
		if err != nil {
			if src.Policy != PolicySkip {
				return nil, err
			}
			a.skipped++
			if len(samples) < maxErrorSamples {
				samples = append(samples, err.Error())
			}
			logger.Warn("skipping record", zap.String("source_id", rec.SourceID), zap.Error(err))
			continue
		}
		quotes = append(quotes, q)
	}
	a.normalized = len(quotes)
	if a.skipped > 0 {
		a.metadata["records_skipped"] = a.skipped
		a.metadata["normalization_errors"] = samples
	}
	return quotes, nil
}

// fail records the FAILED transition. It runs on a context detached from
// cancellation so an aborted cycle still closes its runs.
func (o *Orchestrator) fail(ctx context.Context, logger *zap.Logger, a *attempt, cause error) etl.SourceOutcome {
	logger.Error("run failed", zap.Int64("run_id", a.runID), zap.Error(cause))
	if a.runID != 0 {
		if err := o.deps.Runs.MarkFailed(context.WithoutCancel(ctx), a.completion(), cause); err != nil {
			logger.Error("mark run failed", zap.Int64("run_id", a.runID), zap.Error(err))
		}
	}
	return a.outcome(etl.RunFailed, cause)
}
