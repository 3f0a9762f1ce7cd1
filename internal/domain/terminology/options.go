package terminology

import "time"

// Options tunes the engine. Start from DefaultOptions and override fields;
// zero values in numeric fields fall back to the defaults.
type Options struct {
	// StoreTimeout bounds each individual store call.
	StoreTimeout time.Duration
	// StoreMaxRetries is how many times a failed store call is retried
	// before the operation fails as transient.
	StoreMaxRetries int
	RetryInterval   time.Duration

	// MaxTermsPerQuery caps the number of ids sent in one store query.
	MaxTermsPerQuery int
	// PageSize is the cursor page size requested from the store.
	PageSize int
	// MaxDepth bounds the hierarchy walk.
	MaxDepth int
	// BatchConcurrency limits concurrent chunk queries within one request.
	BatchConcurrency int

	StrictDisplay         bool
	StrictExplicitCodes   bool
	MinDisplayMatchLength int

	CacheTTL time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		StoreTimeout:          30 * time.Second,
		StoreMaxRetries:       2,
		RetryInterval:         100 * time.Millisecond,
		MaxTermsPerQuery:      10000,
		PageSize:              1000,
		MaxDepth:              15,
		BatchConcurrency:      4,
		StrictDisplay:         false,
		StrictExplicitCodes:   true,
		MinDisplayMatchLength: 3,
		CacheTTL:              time.Hour,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = d.StoreTimeout
	}
	if o.StoreMaxRetries < 0 {
		o.StoreMaxRetries = 0
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = d.RetryInterval
	}
	if o.MaxTermsPerQuery <= 0 {
		o.MaxTermsPerQuery = d.MaxTermsPerQuery
	}
	if o.PageSize <= 0 {
		o.PageSize = d.PageSize
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = d.MaxDepth
	}
	if o.BatchConcurrency <= 0 {
		o.BatchConcurrency = d.BatchConcurrency
	}
	if o.MinDisplayMatchLength <= 0 {
		o.MinDisplayMatchLength = d.MinDisplayMatchLength
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = d.CacheTTL
	}
	return o
}
