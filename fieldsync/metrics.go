// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"time"
)

const (
	MetricsOpBatch   = "batch"
	MetricsOpChanges = "changes"

	MetricsStageTotal     = "total"
	MetricsStageDecode    = "decode"
	MetricsStageApply     = "apply_tx" // one transaction attempt per operation
	MetricsStageFeedFetch = "fetch"
)

// StageTiming is one measured stage of a batch or feed request. Outcome is set on apply
// stages that produced an outcome; Replayed marks outcomes served from the dedupe ledger.
type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Attempt   int
	Error     bool
	Outcome   Status
	Replayed  bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// stageTimer is a started stage. The zero value is disabled and records nothing.
type stageTimer struct {
	svc   *SyncService
	start time.Time
	op    string
	stage string
}

func (s *SyncService) startStage(op, stage string) stageTimer {
	if s.config.StageMetrics == nil && !s.config.LogStageTimings {
		return stageTimer{}
	}
	return stageTimer{svc: s, start: time.Now(), op: op, stage: stage}
}

func (t stageTimer) done(ctx context.Context, count, attempt int, err error) {
	t.finish(ctx, StageTiming{Count: count, Attempt: attempt, Error: err != nil})
}

// outcome finishes an apply stage with the outcome it produced.
func (t stageTimer) outcome(ctx context.Context, attempt int, out SyncOutcome) {
	t.finish(ctx, StageTiming{Count: 1, Attempt: attempt, Error: out.Status == StFailed,
		Outcome: Status(out.Status), Replayed: out.Replayed})
}

func (t stageTimer) finish(ctx context.Context, timing StageTiming) {
	if t.svc == nil {
		return
	}
	timing.Operation, timing.Stage, timing.Duration = t.op, t.stage, time.Since(t.start)
	if rec := t.svc.config.StageMetrics; rec != nil {
		rec.ObserveStage(ctx, timing)
	}
	if t.svc.config.LogStageTimings {
		t.svc.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"attempt", timing.Attempt,
			"outcome", timing.Outcome,
			"replayed", timing.Replayed,
			"error", timing.Error,
		)
	}
}
