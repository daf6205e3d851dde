package store

import "log/slog"

type storeOptions struct {
	logger *slog.Logger
}

// Option configures a store.
type Option func(*storeOptions)

// WithLogger sets the logger used for conflict and integrity diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *storeOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) storeOptions {
	o := storeOptions{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
