package dispatcher_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/necrocode/engine/pkg/dispatcher"
)

func TestRetryManagerDefaultsApplied(t *testing.T) {
	m := dispatcher.NewRetryManager(dispatcher.RetryConfig{})
	assert.True(t, m.ShouldRetry("never-failed"))
	assert.Equal(t, 0, m.AttemptCount("never-failed"))
}

func TestRetryManagerShouldRetryFalseAfterMaxAttempts(t *testing.T) {
	m := dispatcher.NewRetryManager(dispatcher.RetryConfig{
		MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffBase: 2,
	})

	m.RecordFailure("spec", "t1", "boom")
	assert.True(t, m.ShouldRetry("t1")) // within bound, but eligible time passed (1ms delay, test runs slower)

	time.Sleep(5 * time.Millisecond)
	m.RecordFailure("spec", "t1", "boom again")
	assert.False(t, m.ShouldRetry("t1")) // attempt_count == max_attempts
}

func TestRetryManagerClearResetsRecord(t *testing.T) {
	m := dispatcher.NewRetryManager(dispatcher.RetryConfig{MaxAttempts: 1})
	m.RecordFailure("spec", "t1", "boom")
	assert.False(t, m.ShouldRetry("t1"))

	m.Clear("t1")
	assert.True(t, m.ShouldRetry("t1"))
	assert.Equal(t, 0, m.AttemptCount("t1"))
}

func TestRetryManagerIsEligibleFalseUntilBackoffElapses(t *testing.T) {
	m := dispatcher.NewRetryManager(dispatcher.RetryConfig{
		MaxAttempts: 3, InitialDelay: 20 * time.Millisecond, BackoffBase: 2, MaxDelay: time.Hour,
	})

	m.RecordFailure("spec", "t1", "boom")
	assert.True(t, m.ShouldRetry("t1"), "attempts remain, should retry eventually")
	assert.False(t, m.IsEligible("t1"), "backoff window just started, not eligible yet")

	time.Sleep(25 * time.Millisecond)
	assert.True(t, m.IsEligible("t1"), "backoff window elapsed")
}

func TestRetryManagerBackoffGrowsExponentially(t *testing.T) {
	m := dispatcher.NewRetryManager(dispatcher.RetryConfig{
		MaxAttempts: 5, InitialDelay: 10 * time.Millisecond, BackoffBase: 2, MaxDelay: time.Hour,
	})
	rec1 := m.RecordFailure("spec", "t1", "boom")
	rec2 := m.RecordFailure("spec", "t1", "boom")

	delay1 := rec1.NextEligibleTime.Sub(rec1.LastFailureTime)
	delay2 := rec2.NextEligibleTime.Sub(rec2.LastFailureTime)
	assert.Greater(t, delay2, delay1)
}
