package ratelimit

import (
	"log"
	"math"
	"sync"
	"time"
)

// Config holds the tunables from spec §6's configuration table that govern
// AdaptiveRateController. Most fields share their name with the matching
// config.Options field; SmoothingFactor, MinBatchSamples and MinParallelism
// are projected from BatchDurationSmoothingFactor, MinBatchSamplesForCeiling
// and RecommendedPerIdentity respectively.
type Config struct {
	Enabled bool

	// MinParallelism is "configuredMin": floor never drops below this even
	// if the backend recommends a smaller per-identity parallelism.
	MinParallelism int

	// HardCeilingPerIdentity is "configuredMaxPerIdentity".
	HardCeilingPerIdentity int

	// InitialFactor is the fraction of hardCeiling used as current when
	// Enabled is false.
	InitialFactor float64

	IncreaseStep          int
	DecreaseFactor        float64
	StabilizationBatches  int64
	MinIncreaseInterval   time.Duration
	RecoveryMultiplier    float64
	LastKnownGoodTTL      time.Duration
	IdleResetPeriod       time.Duration
	ExecTimeFactor        float64
	RequestRateFactor     float64
	SlowBatchThresholdMs  float64
	SmoothingFactor       float64 // alpha
	MinBatchSamples       int64

	// Debug enables verbose logging of clamped/ignored bad inputs (spec
	// §4.D "Failure semantics"). Off by default, mirroring the teacher's
	// opt-in debug query parameter.
	Debug bool
}

// DefaultConfig returns sensible defaults. All durations/factors are the
// values used in spec §8 scenario 1 unless noted.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		MinParallelism:         2,
		HardCeilingPerIdentity: 26,
		InitialFactor:          0.25,
		IncreaseStep:           2,
		DecreaseFactor:         0.5,
		StabilizationBatches:   3,
		MinIncreaseInterval:    0,
		RecoveryMultiplier:     0.5,
		LastKnownGoodTTL:       10 * time.Minute,
		IdleResetPeriod:        5 * time.Minute,
		ExecTimeFactor:         120,
		RequestRateFactor:      2,
		SlowBatchThresholdMs:   2000,
		SmoothingFactor:        0.2,
		MinBatchSamples:        3,
	}
}

const fiveMinutes = 5 * time.Minute

// State is a point-in-time, consistent snapshot of the controller, used by
// tests, metrics export, and anything else that needs to observe the
// controller without racing its transitions.
type State struct {
	Current               int
	Floor                 int
	HardCeiling           int
	ThrottleCeiling       *int
	ThrottleCeilingActive bool
	ExecutionTimeCeiling  *int
	RequestRateCeiling    *int
	LastKnownGood         int
	BatchesSinceThrottle  int64
	TotalThrottleEvents   int64
	AvgBatchSeconds       float64
	SampleCount           int64
}

// EffectiveCeiling is min(HardCeiling, and whichever derived ceilings are
// presently active), never below Floor. This is the quantity
// AdditiveIncrease probes toward.
func (s State) EffectiveCeiling() int {
	eff := s.HardCeiling
	if s.ThrottleCeiling != nil && s.ThrottleCeilingActive && *s.ThrottleCeiling < eff {
		eff = *s.ThrottleCeiling
	}
	if s.RequestRateCeiling != nil && *s.RequestRateCeiling < eff {
		eff = *s.RequestRateCeiling
	}
	if s.ExecutionTimeCeiling != nil && *s.ExecutionTimeCeiling < eff {
		eff = *s.ExecutionTimeCeiling
	}
	if eff < s.Floor {
		eff = s.Floor
	}
	return eff
}

// AdaptiveRateController converges on the maximum parallelism the backend
// will accept without throttling, using AIMD bounded by three independent
// ceilings (spec §4.D). One instance is owned per pool; all transitions
// execute under a single mutex so observers always see a consistent
// snapshot (spec §5).
type AdaptiveRateController struct {
	cfg Config

	mu sync.Mutex

	initialized   bool
	identityCount int

	floor       int
	hardCeiling int
	current     int

	throttleCeiling       *int
	throttleCeilingExpiry time.Time

	executionTimeCeiling *int
	requestRateCeiling   *int

	ema         float64
	sampleCount int64

	lastKnownGood   int
	lastKnownGoodAt time.Time

	batchesSinceThrottle int64
	totalThrottleEvents  int64

	lastActivity time.Time
	lastIncrease time.Time
}

// NewAdaptiveRateController constructs a controller. It lazily initializes
// on the first GetParallelism call.
func NewAdaptiveRateController(cfg Config) *AdaptiveRateController {
	return &AdaptiveRateController{cfg: cfg}
}

// GetParallelism returns the currently permitted parallelism, lazily
// (re)initializing the controller when this is the first call, when
// identityCount has changed, or when the idle-reset period has elapsed
// since the last recorded activity (spec §4.D "Initialization").
func (c *AdaptiveRateController) GetParallelism(recommendedPerIdentity, identityCount int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	needsInit := !c.initialized ||
		identityCount != c.identityCount ||
		(c.cfg.IdleResetPeriod > 0 && !c.lastActivity.IsZero() && now.Sub(c.lastActivity) >= c.cfg.IdleResetPeriod)

	if needsInit {
		c.initializeLocked(recommendedPerIdentity, identityCount, now)
	}
	return c.current
}

func (c *AdaptiveRateController) initializeLocked(recommendedPerIdentity, identityCount int, now time.Time) {
	if recommendedPerIdentity < 0 {
		c.debugf("ignoring negative recommendedPerIdentity=%d", recommendedPerIdentity)
		recommendedPerIdentity = 0
	}
	if identityCount < 1 {
		identityCount = 1
	}

	c.identityCount = identityCount
	c.floor = maxInt(c.cfg.MinParallelism, recommendedPerIdentity*identityCount)
	c.hardCeiling = c.cfg.HardCeilingPerIdentity * identityCount
	if c.hardCeiling < c.floor {
		c.hardCeiling = c.floor
	}

	if c.cfg.Enabled {
		c.current = c.floor
	} else {
		c.current = maxInt(c.floor, minInt(c.hardCeiling, int(c.cfg.InitialFactor*float64(c.hardCeiling))))
	}

	c.throttleCeiling = nil
	c.throttleCeilingExpiry = time.Time{}
	c.executionTimeCeiling = nil
	c.requestRateCeiling = nil
	c.ema = 0
	c.sampleCount = 0

	c.lastActivity = now
	c.initialized = true
}

// RecordBatchCompletion folds a successfully completed batch's duration
// into the EMA, recomputes derived ceilings once enough samples exist, and
// attempts an additive increase (spec §4.D "Batch completion").
func (c *AdaptiveRateController) RecordBatchCompletion(duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return
	}
	if duration < 0 {
		c.debugf("ignoring negative batch duration %v", duration)
		duration = 0
	}

	now := time.Now()
	c.batchesSinceThrottle++
	c.lastActivity = now

	seconds := duration.Seconds()
	alpha := c.cfg.SmoothingFactor
	if c.sampleCount == 0 {
		c.ema = seconds
	} else {
		c.ema = alpha*seconds + (1-alpha)*c.ema
	}
	c.sampleCount++

	if c.sampleCount >= c.cfg.MinBatchSamples {
		c.recomputeDerivedCeilingsLocked()
	}

	if c.lastKnownGoodAt.IsZero() || now.Sub(c.lastKnownGoodAt) >= c.cfg.LastKnownGoodTTL {
		c.lastKnownGood = c.current
		c.lastKnownGoodAt = now
	}

	c.tryIncreaseLocked(now)
}

func (c *AdaptiveRateController) recomputeDerivedCeilingsLocked() {
	avg := c.ema
	if avg <= 0 {
		c.requestRateCeiling = nil
		c.executionTimeCeiling = nil
		return
	}

	rrc := clampInt(int(math.Floor(c.cfg.RequestRateFactor*avg)), c.floor, c.hardCeiling)
	c.requestRateCeiling = &rrc

	if avg*1000 > c.cfg.SlowBatchThresholdMs {
		etc := clampInt(int(math.Floor(c.cfg.ExecTimeFactor/avg)), c.floor, c.hardCeiling)
		c.executionTimeCeiling = &etc
	} else {
		c.executionTimeCeiling = nil
	}
}

func (c *AdaptiveRateController) tryIncreaseLocked(now time.Time) {
	if c.batchesSinceThrottle < c.cfg.StabilizationBatches {
		return
	}
	if !c.lastIncrease.IsZero() && now.Sub(c.lastIncrease) < c.cfg.MinIncreaseInterval {
		return
	}

	ceiling := c.effectiveCeilingLocked(now)
	if c.current >= ceiling {
		return
	}

	step := maxInt(c.floor, c.cfg.IncreaseStep)
	lastKnownGoodFresh := !c.lastKnownGoodAt.IsZero() && now.Sub(c.lastKnownGoodAt) < c.cfg.LastKnownGoodTTL
	if lastKnownGoodFresh && c.current < c.lastKnownGood {
		scaled := int(math.Floor(float64(step) * c.cfg.RecoveryMultiplier))
		if scaled < 1 {
			scaled = 1
		}
		step = scaled
	}

	c.current = minInt(ceiling, c.current+step)
	c.batchesSinceThrottle = 0
	c.lastIncrease = now
}

// RecordThrottle applies a multiplicative decrease and installs a
// time-bounded throttle ceiling derived from the backend's retry-after
// hint (spec §4.D "Throttle").
func (c *AdaptiveRateController) RecordThrottle(retryAfter time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return
	}
	if retryAfter < 0 {
		c.debugf("ignoring negative retryAfter %v", retryAfter)
		retryAfter = 0
	}

	now := time.Now()
	c.totalThrottleEvents++
	c.lastActivity = now

	c.lastKnownGood = maxInt(c.floor, c.current-c.cfg.IncreaseStep)
	c.lastKnownGoodAt = now

	o := clampFloat(retryAfter.Seconds()/fiveMinutes.Seconds(), 0, 1)
	r := clampFloat(1-o/2, 0.5, 1.0)

	base := c.current
	if c.throttleCeiling != nil && *c.throttleCeiling > base {
		base = *c.throttleCeiling
	}
	newCeiling := maxInt(c.floor, int(math.Floor(float64(base)*r)))
	c.throttleCeiling = &newCeiling
	c.throttleCeilingExpiry = now.Add(retryAfter).Add(5 * time.Minute)

	c.current = maxInt(c.floor, int(math.Floor(float64(c.current)*c.cfg.DecreaseFactor)))
	c.batchesSinceThrottle = 0
}

func (c *AdaptiveRateController) effectiveCeilingLocked(now time.Time) int {
	eff := c.hardCeiling
	if c.throttleCeiling != nil && now.Before(c.throttleCeilingExpiry) && *c.throttleCeiling < eff {
		eff = *c.throttleCeiling
	}
	if c.requestRateCeiling != nil && *c.requestRateCeiling < eff {
		eff = *c.requestRateCeiling
	}
	if c.executionTimeCeiling != nil && *c.executionTimeCeiling < eff {
		eff = *c.executionTimeCeiling
	}
	if eff < c.floor {
		eff = c.floor
	}
	return eff
}

// Snapshot returns a consistent point-in-time view of the controller's
// state, for tests and metrics export.
func (c *AdaptiveRateController) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var tc *int
	if c.throttleCeiling != nil {
		v := *c.throttleCeiling
		tc = &v
	}
	var etc *int
	if c.executionTimeCeiling != nil {
		v := *c.executionTimeCeiling
		etc = &v
	}
	var rrc *int
	if c.requestRateCeiling != nil {
		v := *c.requestRateCeiling
		rrc = &v
	}

	return State{
		Current:               c.current,
		Floor:                 c.floor,
		HardCeiling:           c.hardCeiling,
		ThrottleCeiling:       tc,
		ThrottleCeilingActive: tc != nil && now.Before(c.throttleCeilingExpiry),
		ExecutionTimeCeiling:  etc,
		RequestRateCeiling:    rrc,
		LastKnownGood:         c.lastKnownGood,
		BatchesSinceThrottle:  c.batchesSinceThrottle,
		TotalThrottleEvents:   c.totalThrottleEvents,
		AvgBatchSeconds:       c.ema,
		SampleCount:           c.sampleCount,
	}
}

func (c *AdaptiveRateController) debugf(format string, args ...any) {
	if c.cfg.Debug {
		log.Printf("[ratelimit] "+format, args...)
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
