// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testScope = CallerScope{UserID: "u1", Role: RoleTechnician, SourceID: "dev-1"}

func createOps(n int) []ProposedOperation {
	ops := make([]ProposedOperation, n)
	for i := range ops {
		ops[i] = ProposedOperation{
			LocalID:   string(rune('a' + i)),
			Operation: OpCreate,
			Payload:   json.RawMessage(`{"title":"t"}`),
		}
	}
	return ops
}

// Ensure batch size overflow answers every item with batch_too_large without touching the store.
func TestApplyBatch_BatchTooLargeFailsEveryItem(t *testing.T) {
	svc := newSyncService(nil, &ServiceConfig{MaxBatchSize: 2}, nil)

	resp, err := svc.ApplyBatch(context.Background(), testScope, &BatchRequest{Operations: createOps(3)})
	require.NoError(t, err)
	require.Len(t, resp.Outcomes, 3)
	for i, o := range resp.Outcomes {
		require.Equal(t, string(rune('a'+i)), o.LocalID)
		require.Equal(t, StFailed, o.Status)
		require.Equal(t, ReasonBatchTooLarge, o.Reason)
	}
}

func TestApplyBatch_CancelledContextStillAnswersEveryItem(t *testing.T) {
	svc := newSyncService(nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := svc.ApplyBatch(ctx, testScope, &BatchRequest{Operations: createOps(4)})
	require.NoError(t, err)
	require.Len(t, resp.Outcomes, 4)
	for _, o := range resp.Outcomes {
		require.Equal(t, StFailed, o.Status)
		require.Equal(t, ReasonCancelled, o.Reason)
	}
}

func TestApplyBatch_InvalidItemsFailWithoutStore(t *testing.T) {
	svc := newSyncService(nil, nil, nil)
	ops := []ProposedOperation{
		{LocalID: "1", Operation: "merge"},
		{LocalID: "2", Operation: OpUpdate, ServerID: ptr[int64](1), Payload: json.RawMessage(`{"version":2}`)},
		{LocalID: "3", Operation: OpUpdate, ServerID: ptr[int64](1), ClientVersion: ptr[int64](-1), Payload: json.RawMessage(`{"title":"x"}`)},
	}

	resp, err := svc.ApplyBatch(context.Background(), testScope, &BatchRequest{Operations: ops})
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "3"}, []string{resp.Outcomes[0].LocalID, resp.Outcomes[1].LocalID, resp.Outcomes[2].LocalID})
	require.Equal(t, ReasonBadPayload, resp.Outcomes[0].Reason)
	require.Equal(t, ReasonBadPayload, resp.Outcomes[1].Reason)
	require.Equal(t, ReasonInvalidVersion, resp.Outcomes[2].Reason)
}

func TestApplyBatch_RejectsIncompleteScopeAndClosedService(t *testing.T) {
	svc := newSyncService(nil, nil, nil)
	_, err := svc.ApplyBatch(context.Background(), CallerScope{UserID: "u1"}, &BatchRequest{})
	require.Error(t, err)

	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())
	_, err = svc.ApplyBatch(context.Background(), testScope, &BatchRequest{})
	require.True(t, errors.Is(err, ErrServiceClosed))
}

func TestServiceConfig_Normalize(t *testing.T) {
	svc := newSyncService(nil, &ServiceConfig{FeedSafetyLag: -time.Second, MaxPageLimit: 100, DefaultPageLimit: 1000}, nil)
	cfg := svc.Config()
	require.Equal(t, time.Duration(0), cfg.FeedSafetyLag)
	require.Equal(t, 3, cfg.MaxTxRetries)
	require.Equal(t, 100, cfg.DefaultPageLimit)
	require.Equal(t, "fieldsync", cfg.AppName)
}

func TestStageMetrics_RecordsDecode(t *testing.T) {
	var stages []string
	svc := newSyncService(nil, &ServiceConfig{
		StageMetrics: StageMetricsRecorderFunc(func(_ context.Context, st StageTiming) {
			stages = append(stages, st.Operation+"/"+st.Stage)
		}),
	}, nil)

	_, err := svc.ApplyBatch(context.Background(), testScope, &BatchRequest{Operations: []ProposedOperation{{LocalID: "1", Operation: "bogus"}}})
	require.NoError(t, err)
	require.Equal(t, []string{"batch/decode", "batch/total"}, stages)
}

func TestStageMetrics_ApplyStageCarriesOutcome(t *testing.T) {
	var got []StageTiming
	svc := newSyncService(nil, &ServiceConfig{
		StageMetrics: StageMetricsRecorderFunc(func(_ context.Context, st StageTiming) {
			got = append(got, st)
		}),
	}, nil)

	svc.startStage(MetricsOpBatch, MetricsStageApply).outcome(context.Background(), 2, SyncOutcome{Status: StApplied, Replayed: true})
	svc.startStage(MetricsOpBatch, MetricsStageApply).done(context.Background(), 1, 1, errors.New("serialization failure"))

	require.Len(t, got, 2)
	require.Equal(t, MetricsStageApply, got[0].Stage)
	require.Equal(t, Status(StApplied), got[0].Outcome)
	require.True(t, got[0].Replayed)
	require.Equal(t, 2, got[0].Attempt)
	require.False(t, got[0].Error)
	require.True(t, got[1].Error)
	require.Empty(t, got[1].Outcome)

	// Disabled timers record nothing
	newSyncService(nil, nil, nil).startStage(MetricsOpBatch, MetricsStageTotal).done(context.Background(), 1, 1, nil)
	require.Len(t, got, 2)
}
