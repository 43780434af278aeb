package matcher

import "github.com/okian/photdb/pkg/logger"

// Default search parameters.
const (
	DefaultBoxMultiplier = 6.0
	DefaultMaxBoxDeg     = 1.0
)

// Option applies a configuration option to the Matcher.
type Option func(*Matcher)

// WithBoxMultiplier sets how many tolerances wide the candidate box is.
// Values below 1 are ignored since the box must contain the accept radius.
func WithBoxMultiplier(k float64) Option {
	return func(m *Matcher) {
		if k >= 1 {
			m.boxMultiplier = k
		}
	}
}

// WithMaxBoxDeg caps the half-width of the candidate box near the poles.
func WithMaxBoxDeg(deg float64) Option {
	return func(m *Matcher) {
		if deg > 0 {
			m.maxBoxDeg = deg
		}
	}
}

// WithLogger sets the matcher logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Matcher) {
		if l != nil {
			m.log = l
		}
	}
}
