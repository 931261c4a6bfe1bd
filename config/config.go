// Package config collects every tunable of the middleware into one
// options bundle (spec §6), following the teacher's ServerConfig /
// DefaultServerConfig() / LoadConfigFromFlags() pattern (server/config.go):
// flags establish the baseline, then environment variables override them,
// kept verbatim as the ambient configuration mechanism.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/iperfex-team/dataverse-bulkmw/pool"
	"github.com/iperfex-team/dataverse-bulkmw/ratelimit"
)

// Options is the structured bundle recognized by the core (spec §6's
// configuration table).
type Options struct {
	// Rate control (ratelimit.Config)
	Enabled                bool
	HardCeilingPerIdentity int
	InitialFactor          float64
	IncreaseStep           int
	DecreaseFactor         float64
	StabilizationBatches   int64
	MinIncreaseInterval    time.Duration
	RecoveryMultiplier     float64
	LastKnownGoodTTL       time.Duration
	IdleResetPeriod        time.Duration
	ExecTimeFactor         float64
	RequestRateFactor      float64
	SlowBatchThresholdMs   float64
	BatchDurationSmoothingFactor float64
	MinBatchSamplesForCeiling    int64

	// Pool
	RecommendedPerIdentity int
	ThrottleCleanup        time.Duration

	// Bulk
	BatchSize       int
	ContinueOnError bool

	// Pool construction hint passed through to the BackendClient
	// implementation; the core itself does not interpret it (spec §6).
	DisableAffinityCookie bool
}

// DefaultOptions mirrors spec §8's worked defaults and
// ratelimit.DefaultConfig() verbatim.
func DefaultOptions() Options {
	rc := ratelimit.DefaultConfig()
	return Options{
		Enabled:                rc.Enabled,
		HardCeilingPerIdentity: rc.HardCeilingPerIdentity,
		InitialFactor:          rc.InitialFactor,
		IncreaseStep:           rc.IncreaseStep,
		DecreaseFactor:         rc.DecreaseFactor,
		StabilizationBatches:   rc.StabilizationBatches,
		MinIncreaseInterval:    rc.MinIncreaseInterval,
		RecoveryMultiplier:     rc.RecoveryMultiplier,
		LastKnownGoodTTL:       rc.LastKnownGoodTTL,
		IdleResetPeriod:        rc.IdleResetPeriod,
		ExecTimeFactor:         rc.ExecTimeFactor,
		RequestRateFactor:      rc.RequestRateFactor,
		SlowBatchThresholdMs:   rc.SlowBatchThresholdMs,
		BatchDurationSmoothingFactor: rc.SmoothingFactor,
		MinBatchSamplesForCeiling:    rc.MinBatchSamples,

		RecommendedPerIdentity: rc.MinParallelism,
		ThrottleCleanup:        5 * time.Minute,

		BatchSize:       1000,
		ContinueOnError: true,
	}
}

// RateLimitConfig projects Options onto ratelimit.Config.
func (o Options) RateLimitConfig() ratelimit.Config {
	return ratelimit.Config{
		Enabled:                o.Enabled,
		MinParallelism:         o.RecommendedPerIdentity,
		HardCeilingPerIdentity: o.HardCeilingPerIdentity,
		InitialFactor:          o.InitialFactor,
		IncreaseStep:           o.IncreaseStep,
		DecreaseFactor:         o.DecreaseFactor,
		StabilizationBatches:   o.StabilizationBatches,
		MinIncreaseInterval:    o.MinIncreaseInterval,
		RecoveryMultiplier:     o.RecoveryMultiplier,
		LastKnownGoodTTL:       o.LastKnownGoodTTL,
		IdleResetPeriod:        o.IdleResetPeriod,
		ExecTimeFactor:         o.ExecTimeFactor,
		RequestRateFactor:      o.RequestRateFactor,
		SlowBatchThresholdMs:   o.SlowBatchThresholdMs,
		SmoothingFactor:        o.BatchDurationSmoothingFactor,
		MinBatchSamples:        o.MinBatchSamplesForCeiling,
	}
}

// PoolConfig projects Options onto pool.Config.
func (o Options) PoolConfig() pool.Config {
	return pool.Config{
		RecommendedPerIdentity: o.RecommendedPerIdentity,
		RateLimiter:            o.RateLimitConfig(),
		ThrottleCleanup:        o.ThrottleCleanup,
	}
}

// LoadFromFlags loads Options from command-line flags, then applies
// environment-variable overrides (env wins), mirroring
// server.LoadConfigFromFlags's two-stage precedence exactly.
func LoadFromFlags() Options {
	o := DefaultOptions()

	flag.BoolVar(&o.Enabled, "ratelimit-enabled", o.Enabled, "enable adaptive rate control")
	flag.IntVar(&o.HardCeilingPerIdentity, "hard-ceiling-per-identity", o.HardCeilingPerIdentity, "upper bound on parallelism per identity")
	flag.Float64Var(&o.InitialFactor, "initial-factor", o.InitialFactor, "starting parallelism as a fraction of ceiling")
	flag.IntVar(&o.IncreaseStep, "increase-step", o.IncreaseStep, "additive increment per stabilization window")
	flag.Float64Var(&o.DecreaseFactor, "decrease-factor", o.DecreaseFactor, "multiplier applied on throttle")
	flag.DurationVar(&o.MinIncreaseInterval, "min-increase-interval", o.MinIncreaseInterval, "minimum wall-clock gap between increases")
	flag.Float64Var(&o.RecoveryMultiplier, "recovery-multiplier", o.RecoveryMultiplier, "step multiplier while below lastKnownGood")
	flag.DurationVar(&o.LastKnownGoodTTL, "last-known-good-ttl", o.LastKnownGoodTTL, "age at which lastKnownGood is discarded")
	flag.DurationVar(&o.IdleResetPeriod, "idle-reset-period", o.IdleResetPeriod, "inactivity after which the controller re-initializes")
	flag.Float64Var(&o.ExecTimeFactor, "exec-time-factor", o.ExecTimeFactor, "coefficient for the execution-time derived ceiling")
	flag.Float64Var(&o.RequestRateFactor, "request-rate-factor", o.RequestRateFactor, "coefficient for the request-rate derived ceiling")
	flag.Float64Var(&o.SlowBatchThresholdMs, "slow-batch-threshold-ms", o.SlowBatchThresholdMs, "EMA threshold above which the execution-time ceiling applies")
	flag.Float64Var(&o.BatchDurationSmoothingFactor, "batch-duration-smoothing-factor", o.BatchDurationSmoothingFactor, "EMA smoothing alpha")
	flag.Int64Var(&o.MinBatchSamplesForCeiling, "min-batch-samples-for-ceiling", o.MinBatchSamplesForCeiling, "sample count before derived ceilings activate")

	flag.IntVar(&o.RecommendedPerIdentity, "recommended-per-identity", o.RecommendedPerIdentity, "server-recommended per-identity parallelism")
	flag.DurationVar(&o.ThrottleCleanup, "throttle-cleanup", o.ThrottleCleanup, "throttle tracker cleanup interval")

	flag.IntVar(&o.BatchSize, "batch-size", o.BatchSize, "records per ExecuteMultiple")
	flag.BoolVar(&o.ContinueOnError, "continue-on-error", o.ContinueOnError, "collect and continue vs abort on bulk error")
	flag.BoolVar(&o.DisableAffinityCookie, "disable-affinity-cookie", o.DisableAffinityCookie, "pool construction hint for the backend client")

	flag.Parse()

	o.Enabled = getEnvBool("RATELIMIT_ENABLED", o.Enabled)
	o.HardCeilingPerIdentity = getEnvInt("HARD_CEILING_PER_IDENTITY", o.HardCeilingPerIdentity)
	o.InitialFactor = getEnvFloat64("INITIAL_FACTOR", o.InitialFactor)
	o.IncreaseStep = getEnvInt("INCREASE_STEP", o.IncreaseStep)
	o.DecreaseFactor = getEnvFloat64("DECREASE_FACTOR", o.DecreaseFactor)
	o.MinIncreaseInterval = getEnvDuration("MIN_INCREASE_INTERVAL", o.MinIncreaseInterval)
	o.RecoveryMultiplier = getEnvFloat64("RECOVERY_MULTIPLIER", o.RecoveryMultiplier)
	o.LastKnownGoodTTL = getEnvDuration("LAST_KNOWN_GOOD_TTL", o.LastKnownGoodTTL)
	o.IdleResetPeriod = getEnvDuration("IDLE_RESET_PERIOD", o.IdleResetPeriod)
	o.ExecTimeFactor = getEnvFloat64("EXEC_TIME_FACTOR", o.ExecTimeFactor)
	o.RequestRateFactor = getEnvFloat64("REQUEST_RATE_FACTOR", o.RequestRateFactor)
	o.SlowBatchThresholdMs = getEnvFloat64("SLOW_BATCH_THRESHOLD_MS", o.SlowBatchThresholdMs)
	o.BatchDurationSmoothingFactor = getEnvFloat64("BATCH_DURATION_SMOOTHING_FACTOR", o.BatchDurationSmoothingFactor)
	o.MinBatchSamplesForCeiling = int64(getEnvInt("MIN_BATCH_SAMPLES_FOR_CEILING", int(o.MinBatchSamplesForCeiling)))

	o.RecommendedPerIdentity = getEnvInt("RECOMMENDED_PER_IDENTITY", o.RecommendedPerIdentity)
	o.ThrottleCleanup = getEnvDuration("THROTTLE_CLEANUP", o.ThrottleCleanup)

	o.BatchSize = getEnvInt("BATCH_SIZE", o.BatchSize)
	o.ContinueOnError = getEnvBool("CONTINUE_ON_ERROR", o.ContinueOnError)
	o.DisableAffinityCookie = getEnvBool("DISABLE_AFFINITY_COOKIE", o.DisableAffinityCookie)

	return o
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat64(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
