package download

import "time"

// Mirror holds the server-side URL settings that shape source resolution
type Mirror struct {
	// ReplaceDownloadURLs serves vanilla files from DownloadServerBase too
	ReplaceDownloadURLs bool
	DownloadServerBase  string
	// ResourcesURLBase serves asset objects when vanilla URLs are replaced
	ResourcesURLBase string
}

// Options tunes one Execute call
type Options struct {
	MaxConcurrency     int
	MinConcurrency     int
	InitialConcurrency int
	// BandwidthCap limits aggregate transfer in bytes per second; 0 is unlimited
	BandwidthCap int64
	// MaxRetries is the number of retries after the first attempt
	MaxRetries     int
	AttemptTimeout time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// Window is the number of completions per concurrency adjustment
	Window             int
	ErrorRateThreshold float64
	Mirror             Mirror
	// Token is sent as a bearer token to DownloadServerBase only
	Token string
	// OnProgress is called from the dispatch goroutine only
	OnProgress       func(Progress)
	ProgressInterval time.Duration
}

const (
	DefaultMaxConcurrency     = 16
	DefaultMinConcurrency     = 1
	DefaultInitialConcurrency = 4
	DefaultMaxRetries         = 3
	DefaultAttemptTimeout     = 2 * time.Minute
	DefaultBackoffInitial     = 500 * time.Millisecond
	DefaultBackoffMax         = 30 * time.Second
	DefaultWindow             = 8
	DefaultErrorRateThreshold = 0.25
	DefaultProgressInterval   = 250 * time.Millisecond
)

// withDefaults fills zero values. MaxRetries is taken as-is (zero means a
// single attempt); negative values are clamped.
func (o Options) withDefaults() Options {
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	if o.MinConcurrency <= 0 {
		o.MinConcurrency = DefaultMinConcurrency
	}
	if o.MinConcurrency > o.MaxConcurrency {
		o.MinConcurrency = o.MaxConcurrency
	}
	if o.InitialConcurrency <= 0 {
		o.InitialConcurrency = DefaultInitialConcurrency
	}
	o.InitialConcurrency = clamp(o.InitialConcurrency, o.MinConcurrency, o.MaxConcurrency)
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = DefaultAttemptTimeout
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = DefaultBackoffInitial
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.BackoffInitial > o.BackoffMax {
		o.BackoffInitial = o.BackoffMax
	}
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.ErrorRateThreshold <= 0 {
		o.ErrorRateThreshold = DefaultErrorRateThreshold
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
	return o
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
