package sched

// Option configures a Scheduler at construction time.
//
// Grounded on eventloop/options.go's LoopOption pattern: an interface
// wrapping an apply closure, resolved once by New before any worker
// starts.
type Option interface {
	apply(*options)
}

type options struct {
	metricsEnabled bool
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) { f(o) }

// WithMetrics enables or disables queue-depth and task-latency tracking;
// it is enabled by default. Disabled, it costs nothing beyond the atomic
// counters already needed for the stopping predicate; enabled, it
// additionally records a P² latency sample per task and is what
// QueueDepth/TaskLatency report.
func WithMetrics(enabled bool) Option {
	return optionFunc(func(o *options) { o.metricsEnabled = enabled })
}

func resolveOptions(opts []Option) *options {
	cfg := &options{metricsEnabled: true}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(cfg)
	}
	return cfg
}
