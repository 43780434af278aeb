package dedupe

// Option applies a configuration option to the in-memory guard.
type Option func(*memGuard)

// WithMaxSize bounds the number of remembered ids. Zero or negative keeps
// every id.
func WithMaxSize(maxSize int) Option {
	return func(g *memGuard) {
		g.maxSize = maxSize
	}
}
