// Copyright (C) 2026 Streamgate Contributors
// Tests for the sampling execution tracker

package tracking

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(rate float64) (*Tracker, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return newTrackerWithClock(Config{SamplingRate: rate, MaxRetainedSamples: 1000}, nil, nil, clock), clock
}

// =============================================================================
// Sampling
// =============================================================================

func TestShouldTrack_Deterministic(t *testing.T) {
	tracker, _ := newTestTracker(0.1)
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("thread-%d", i)
		first := tracker.ShouldTrack(id)
		for j := 0; j < 10; j++ {
			assert.Equal(t, first, tracker.ShouldTrack(id),
				"sampling decision for %q must never change", id)
		}
	}
}

func TestShouldTrack_RateBounds(t *testing.T) {
	all, _ := newTestTracker(1.0)
	none, _ := newTestTracker(0.0)
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("thread-%d", i)
		assert.True(t, all.ShouldTrack(id), "rate 1.0 tracks everything")
		assert.False(t, none.ShouldTrack(id), "rate 0.0 tracks nothing")
	}
}

func TestStartStage_UnsampledIsNoop(t *testing.T) {
	tracker, _ := newTestTracker(0.0)

	scope := tracker.StartStage("generate", "upstream generate", "thread-1", false)
	scope.SetMetadata("provider", "openai")
	scope.End(nil)

	_, ok := tracker.ExecutionSummary("thread-1")
	assert.False(t, ok)
	_, ok = tracker.StageStatistics("generate", 0)
	assert.False(t, ok, "unsampled stages leave no history")
}

func TestStartStage_ForceOverridesSampling(t *testing.T) {
	tracker, _ := newTestTracker(0.0)

	scope := tracker.StartStage("generate", "upstream generate", "thread-1", true)
	scope.End(nil)

	summary, ok := tracker.ExecutionSummary("thread-1")
	require.True(t, ok)
	assert.Len(t, summary.Stages, 1)
}

// =============================================================================
// Stage Lifecycle
// =============================================================================

func TestStage_RecordsDurationAndOutcome(t *testing.T) {
	tracker, clock := newTestTracker(1.0)

	scope := tracker.StartStage("generate", "upstream generate", "thread-1", false)
	scope.SetMetadata("provider", "ollama")
	clock.Advance(250 * time.Millisecond)
	scope.End(errors.New("boom"))

	summary, ok := tracker.ExecutionSummary("thread-1")
	require.True(t, ok)
	require.Len(t, summary.Stages, 1)

	st := summary.Stages[0]
	assert.Equal(t, "generate", st.StageID)
	assert.InDelta(t, 250.0, st.DurationMs, 0.001)
	assert.False(t, st.Success)
	assert.Equal(t, "boom", st.ErrorMessage)
	assert.Equal(t, "ollama", st.Metadata["provider"])
	assert.False(t, summary.Success)
}

func TestStageEnd_Idempotent(t *testing.T) {
	tracker, _ := newTestTracker(1.0)

	scope := tracker.StartStage("admission", "admission", "thread-1", false)
	scope.End(nil)
	scope.End(errors.New("second end must be ignored"))

	summary, ok := tracker.ExecutionSummary("thread-1")
	require.True(t, ok)
	require.Len(t, summary.Stages, 1)
	assert.True(t, summary.Stages[0].Success)
}

func TestSubstage_NestsUnderOpenParent(t *testing.T) {
	tracker, clock := newTestTracker(1.0)

	parent := tracker.StartStage("generate", "upstream generate", "thread-1", false)
	sub, err := tracker.StartSubstage("thread-1", "token_write", "token write")
	require.NoError(t, err)
	clock.Advance(5 * time.Millisecond)
	sub.End(nil)
	clock.Advance(5 * time.Millisecond)
	parent.End(nil)

	summary, ok := tracker.ExecutionSummary("thread-1")
	require.True(t, ok)
	require.Len(t, summary.Stages, 1, "substages must not appear at the top level")
	require.Len(t, summary.Stages[0].Substages, 1)
	assert.Equal(t, "token_write", summary.Stages[0].Substages[0].StageID)
	assert.InDelta(t, 10.0, summary.Stages[0].DurationMs, 0.001)
}

func TestSubstage_NoOpenParentIsAnError(t *testing.T) {
	tracker, _ := newTestTracker(1.0)

	// Open and close a stage so the thread is tracked but has nothing open.
	scope := tracker.StartStage("admission", "admission", "thread-1", false)
	scope.End(nil)

	_, err := tracker.StartSubstage("thread-1", "token_write", "token write")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoOpenStage)
}

func TestSubstage_UnsampledThreadIsNoop(t *testing.T) {
	tracker, _ := newTestTracker(0.0)

	sub, err := tracker.StartSubstage("thread-1", "token_write", "token write")
	require.NoError(t, err, "unsampled threads get a silent no-op, not an error")
	sub.End(nil)
}

func TestClearThread_DropsTraceKeepsHistory(t *testing.T) {
	tracker, clock := newTestTracker(1.0)

	scope := tracker.StartStage("generate", "upstream generate", "thread-1", false)
	clock.Advance(time.Millisecond)
	scope.End(nil)
	tracker.ClearThread("thread-1")

	_, ok := tracker.ExecutionSummary("thread-1")
	assert.False(t, ok)

	stats, ok := tracker.StageStatistics("generate", 0)
	require.True(t, ok, "per-stage history survives thread cleanup")
	assert.Equal(t, 1, stats.Count)
}

// =============================================================================
// Statistics
// =============================================================================

func TestStageStatistics_Percentiles(t *testing.T) {
	tracker, clock := newTestTracker(1.0)

	// Ten executions of 1ms..10ms.
	for i := 1; i <= 10; i++ {
		threadID := fmt.Sprintf("thread-%d", i)
		scope := tracker.StartStage("generate", "upstream generate", threadID, true)
		clock.Advance(time.Duration(i) * time.Millisecond)
		scope.End(nil)
		tracker.ClearThread(threadID)
	}

	stats, ok := tracker.StageStatistics("generate", 0)
	require.True(t, ok)
	assert.Equal(t, 10, stats.Count)
	assert.InDelta(t, 5.5, stats.AvgDurationMs, 0.001)
	assert.InDelta(t, 5.5, stats.P50DurationMs, 0.001)
	assert.InDelta(t, 9.55, stats.P95DurationMs, 0.001)
	assert.InDelta(t, 9.91, stats.P99DurationMs, 0.001)
	assert.InDelta(t, 1.0, stats.SuccessRate, 0.001)
}

func TestStageStatistics_SuccessRate(t *testing.T) {
	tracker, _ := newTestTracker(1.0)

	for i := 0; i < 4; i++ {
		scope := tracker.StartStage("generate", "g", fmt.Sprintf("t-%d", i), true)
		var err error
		if i == 0 {
			err = errors.New("boom")
		}
		scope.End(err)
	}

	stats, ok := tracker.StageStatistics("generate", 0)
	require.True(t, ok)
	assert.InDelta(t, 0.75, stats.SuccessRate, 0.001)
}

func TestStageStatistics_LimitUsesMostRecent(t *testing.T) {
	tracker, clock := newTestTracker(1.0)

	// 5 slow samples then 5 fast ones.
	for i := 0; i < 10; i++ {
		d := 100 * time.Millisecond
		if i >= 5 {
			d = 1 * time.Millisecond
		}
		scope := tracker.StartStage("generate", "g", fmt.Sprintf("t-%d", i), true)
		clock.Advance(d)
		scope.End(nil)
	}

	stats, ok := tracker.StageStatistics("generate", 5)
	require.True(t, ok)
	assert.Equal(t, 5, stats.Count)
	assert.InDelta(t, 1.0, stats.AvgDurationMs, 0.001, "limit should select only the recent fast samples")
}

func TestStageStatistics_RingEvictsOldest(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tracker := newTrackerWithClock(Config{SamplingRate: 1.0, MaxRetainedSamples: 3}, nil, nil, clock)

	for i := 1; i <= 5; i++ {
		scope := tracker.StartStage("generate", "g", fmt.Sprintf("t-%d", i), true)
		clock.Advance(time.Duration(i) * time.Millisecond)
		scope.End(nil)
	}

	stats, ok := tracker.StageStatistics("generate", 0)
	require.True(t, ok)
	assert.Equal(t, 3, stats.Count)
	// Only 3ms, 4ms, 5ms remain.
	assert.InDelta(t, 4.0, stats.AvgDurationMs, 0.001)
}
