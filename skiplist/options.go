package skiplist

// Config holds the build-time constants spec.md §6 calls out explicitly:
// the maximum tower height, the geometric level-distribution rate, and
// the SMR retirement-bucket refill batch size. All three have sane
// defaults; Options exist mainly so tests can force deterministic,
// unusually shallow or deep structures without touching the algorithm.
type config struct {
	maxLevel    int
	levelRate   float64
	refillBatch int
	maxHandles  int
}

const (
	defaultMaxLevel    = 32
	defaultLevelRate   = 0.5
	defaultRefillBatch = 8
)

func defaultConfig() config {
	return config{
		maxLevel:    defaultMaxLevel,
		levelRate:   defaultLevelRate,
		refillBatch: defaultRefillBatch,
	}
}

// Option configures a Set at construction time.
type Option func(*config)

// WithMaxLevel overrides L_MAX, the compile-time bound on tower height.
// n must be at least 1; the zero value is ignored.
func WithMaxLevel(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxLevel = n
		}
	}
}

// WithLevelRate overrides the geometric level-distribution rate p (the
// spec fixes p=0.5 for production use; tests use a biased rate to make
// deep towers likely). The level RNG is seeded from the clock, so tower
// heights differ from run to run.
func WithLevelRate(p float64) Option {
	return func(c *config) {
		if p > 0 && p < 1 {
			c.levelRate = p
		}
	}
}

// WithRetirementBuckets sets the SMR free-list refill batch size (see
// internal/smr.WithRefillBatch).
func WithRetirementBuckets(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.refillBatch = n
		}
	}
}

// WithMaxHandles bounds the total number of SMR handles this Set
// registers over its lifetime (internal/smr.WithMaxThreads). Handles
// are never deregistered: one dropped from the Set's handle pool still
// counts, and an operation that needs a new handle past the bound
// panics with a PreconditionError.
func WithMaxHandles(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxHandles = n
		}
	}
}
