package retry

import "time"

// Strategy selects how the delay grows between attempts.
type Strategy string

// Supported backoff strategies.
const (
	StrategyExponential Strategy = "exponential_backoff"
	StrategyLinear      Strategy = "linear_backoff"
	StrategyFixed       Strategy = "fixed_delay"
	StrategyImmediate   Strategy = "immediate"
)

// Category groups operations that share retry defaults.
type Category string

// Error categories with default policies.
const (
	CategoryDatabase         Category = "database"
	CategoryExternalAPI      Category = "external_api"
	CategoryNetwork          Category = "network"
	CategoryContractAnalysis Category = "contract_analysis"
	CategoryFileProcessing   Category = "file_processing"
	CategoryRateLimit        Category = "rate_limit"
)

// Categories lists every category with a built-in default.
var Categories = []Category{
	CategoryDatabase,
	CategoryExternalAPI,
	CategoryNetwork,
	CategoryContractAnalysis,
	CategoryFileProcessing,
	CategoryRateLimit,
}

// Policy configures retry behavior for one category of operation.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// InitialDelay is the base delay for every strategy except immediate.
	InitialDelay time.Duration

	// MaxDelay caps the computed delay before jitter. Zero means no cap.
	MaxDelay time.Duration

	// ExponentialBase is the growth factor of the exponential strategy.
	ExponentialBase float64

	// Jitter spreads the delay by a uniform ±10%.
	Jitter bool

	// Strategy selects the backoff curve.
	Strategy Strategy

	// BackoffFactor scales the linear strategy.
	BackoffFactor float64

	// Retryable optionally overrides IsRetryable.
	Retryable func(error) bool
}

// DefaultPolicyConfig is used for categories without a built-in default.
var DefaultPolicyConfig = Policy{
	MaxAttempts:     3,
	InitialDelay:    1 * time.Second,
	MaxDelay:        30 * time.Second,
	ExponentialBase: 2.0,
	Jitter:          true,
	Strategy:        StrategyExponential,
	BackoffFactor:   1.0,
}

// NoRetry disables retries.
var NoRetry = Policy{
	MaxAttempts: 1,
	Strategy:    StrategyImmediate,
}

var defaultPolicies = map[Category]Policy{
	CategoryDatabase: {
		MaxAttempts:     3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        10 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
		Strategy:        StrategyExponential,
		BackoffFactor:   1.0,
	},
	CategoryExternalAPI: {
		MaxAttempts:     3,
		InitialDelay:    2 * time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
		Strategy:        StrategyExponential,
		BackoffFactor:   1.0,
	},
	CategoryNetwork: {
		MaxAttempts:     5,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
		Strategy:        StrategyExponential,
		BackoffFactor:   1.0,
	},
	CategoryContractAnalysis: {
		MaxAttempts:     2,
		InitialDelay:    5 * time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
		Strategy:        StrategyLinear,
		BackoffFactor:   1.5,
	},
	CategoryFileProcessing: {
		MaxAttempts:     2,
		InitialDelay:    1 * time.Second,
		MaxDelay:        5 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          false,
		Strategy:        StrategyFixed,
		BackoffFactor:   1.0,
	},
	CategoryRateLimit: {
		MaxAttempts:     5,
		InitialDelay:    60 * time.Second,
		MaxDelay:        300 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
		Strategy:        StrategyExponential,
		BackoffFactor:   1.0,
	},
}

// DefaultPolicy returns the built-in policy for a category.
func DefaultPolicy(c Category) Policy {
	if p, ok := defaultPolicies[c]; ok {
		return p
	}
	return DefaultPolicyConfig
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithMaxAttempts sets the maximum number of attempts.
func WithMaxAttempts(n int) PolicyOption {
	return func(p *Policy) {
		p.MaxAttempts = n
	}
}

// WithInitialDelay sets the base delay.
func WithInitialDelay(d time.Duration) PolicyOption {
	return func(p *Policy) {
		p.InitialDelay = d
	}
}

// WithMaxDelay sets the delay cap.
func WithMaxDelay(d time.Duration) PolicyOption {
	return func(p *Policy) {
		p.MaxDelay = d
	}
}

// WithStrategy sets the backoff strategy.
func WithStrategy(s Strategy) PolicyOption {
	return func(p *Policy) {
		p.Strategy = s
	}
}

// WithJitter toggles ±10% jitter.
func WithJitter(on bool) PolicyOption {
	return func(p *Policy) {
		p.Jitter = on
	}
}

// WithExponentialBase sets the exponential growth factor.
func WithExponentialBase(b float64) PolicyOption {
	return func(p *Policy) {
		p.ExponentialBase = b
	}
}

// WithBackoffFactor sets the linear scale factor.
func WithBackoffFactor(f float64) PolicyOption {
	return func(p *Policy) {
		p.BackoffFactor = f
	}
}

// WithRetryableFunc sets a custom retryability check.
func WithRetryableFunc(fn func(error) bool) PolicyOption {
	return func(p *Policy) {
		p.Retryable = fn
	}
}

// NewPolicy starts from the category default and applies opts.
func NewPolicy(c Category, opts ...PolicyOption) Policy {
	p := DefaultPolicy(c)
	for _, opt := range opts {
		opt(&p)
	}
	return p
}
