package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iperfex-team/dataverse-bulkmw/ratelimit"
)

func TestDefaultOptionsMatchesRateLimitDefaultConfig(t *testing.T) {
	o := DefaultOptions()
	rc := ratelimit.DefaultConfig()

	require.Equal(t, rc.Enabled, o.Enabled)
	require.Equal(t, rc.HardCeilingPerIdentity, o.HardCeilingPerIdentity)
	require.Equal(t, rc.InitialFactor, o.InitialFactor)
	require.Equal(t, rc.IncreaseStep, o.IncreaseStep)
	require.Equal(t, rc.DecreaseFactor, o.DecreaseFactor)
	require.Equal(t, rc.StabilizationBatches, o.StabilizationBatches)
	require.Equal(t, rc.MinIncreaseInterval, o.MinIncreaseInterval)
	require.Equal(t, rc.RecoveryMultiplier, o.RecoveryMultiplier)
	require.Equal(t, rc.LastKnownGoodTTL, o.LastKnownGoodTTL)
	require.Equal(t, rc.IdleResetPeriod, o.IdleResetPeriod)
	require.Equal(t, rc.ExecTimeFactor, o.ExecTimeFactor)
	require.Equal(t, rc.RequestRateFactor, o.RequestRateFactor)
	require.Equal(t, rc.SlowBatchThresholdMs, o.SlowBatchThresholdMs)
	require.Equal(t, rc.SmoothingFactor, o.BatchDurationSmoothingFactor)
	require.Equal(t, rc.MinBatchSamples, o.MinBatchSamplesForCeiling)
	require.Equal(t, rc.MinParallelism, o.RecommendedPerIdentity)

	require.Equal(t, 1000, o.BatchSize)
	require.True(t, o.ContinueOnError)
	require.Equal(t, 5*time.Minute, o.ThrottleCleanup)
}

func TestRateLimitConfigProjectsOverriddenFields(t *testing.T) {
	o := DefaultOptions()
	o.HardCeilingPerIdentity = 77
	o.InitialFactor = 0.5
	o.RecommendedPerIdentity = 12

	rc := o.RateLimitConfig()
	require.Equal(t, 77, rc.HardCeilingPerIdentity)
	require.Equal(t, 0.5, rc.InitialFactor)
	require.Equal(t, 12, rc.MinParallelism)
}

func TestPoolConfigProjectsRecommendedAndCleanup(t *testing.T) {
	o := DefaultOptions()
	o.RecommendedPerIdentity = 9
	o.ThrottleCleanup = 90 * time.Second

	pc := o.PoolConfig()
	require.Equal(t, 9, pc.RecommendedPerIdentity)
	require.Equal(t, 90*time.Second, pc.ThrottleCleanup)
	require.Equal(t, o.RateLimitConfig(), pc.RateLimiter)
}

func TestGetEnvBoolFallsBackToDefaultOnUnsetOrInvalid(t *testing.T) {
	require.True(t, getEnvBool("CONFIG_TEST_UNSET_BOOL", true))

	t.Setenv("CONFIG_TEST_BOOL", "not-a-bool")
	require.False(t, getEnvBool("CONFIG_TEST_BOOL", false))

	t.Setenv("CONFIG_TEST_BOOL", "true")
	require.True(t, getEnvBool("CONFIG_TEST_BOOL", false))
}

func TestGetEnvIntParsesOrFallsBack(t *testing.T) {
	t.Setenv("CONFIG_TEST_INT", "42")
	require.Equal(t, 42, getEnvInt("CONFIG_TEST_INT", 1))

	t.Setenv("CONFIG_TEST_INT", "not-a-number")
	require.Equal(t, 1, getEnvInt("CONFIG_TEST_INT", 1))
}

func TestGetEnvFloat64ParsesOrFallsBack(t *testing.T) {
	t.Setenv("CONFIG_TEST_FLOAT", "3.14")
	require.InDelta(t, 3.14, getEnvFloat64("CONFIG_TEST_FLOAT", 0), 1e-9)

	os.Unsetenv("CONFIG_TEST_FLOAT")
	require.Equal(t, 2.5, getEnvFloat64("CONFIG_TEST_FLOAT", 2.5))
}

func TestGetEnvDurationParsesOrFallsBack(t *testing.T) {
	t.Setenv("CONFIG_TEST_DURATION", "15s")
	require.Equal(t, 15*time.Second, getEnvDuration("CONFIG_TEST_DURATION", time.Second))

	t.Setenv("CONFIG_TEST_DURATION", "garbage")
	require.Equal(t, time.Second, getEnvDuration("CONFIG_TEST_DURATION", time.Second))
}
