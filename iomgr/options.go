package iomgr

import "github.com/caolib/cocao/sched"

// Option configures a Manager at construction time, forwarding to the
// embedded Scheduler and TimerManager where applicable.
type Option interface {
	apply(*config)
}

type config struct {
	schedOpts []sched.Option
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

// WithMetrics toggles queue-depth and task-latency tracking on the embedded
// Scheduler, same as sched.WithMetrics.
func WithMetrics(enabled bool) Option {
	return optionFunc(func(c *config) {
		c.schedOpts = append(c.schedOpts, sched.WithMetrics(enabled))
	})
}

func resolveOptions(opts []Option) *config {
	cfg := &config{}
	for _, opt := range opts {
		if opt != nil {
			opt.apply(cfg)
		}
	}
	return cfg
}
