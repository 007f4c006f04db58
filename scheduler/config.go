// Package scheduler implements the scheduling loop (C5): bounded-
// parallelism dispatch, pause/resume/cancel control operations, output
// passing and truncation, and the execute() entrypoint that drives a
// dag.Graph to a terminal status.
package scheduler

import "time"

// defaultMaxOutputSize is the scheduler's default output-truncation bound
// (§3, "maxOutputSize (bytes; default 100 KiB)").
const defaultMaxOutputSize = 100 * 1024

// defaultScheduleInterval is the loop's polling tick when nothing is
// actively completing; small enough to stay responsive to pause/cancel
// without busy-spinning.
const defaultScheduleInterval = 50 * time.Millisecond

// terminationGrace is the SIGTERM -> SIGKILL window used by global cancel.
const terminationGrace = time.Second

// Config configures one Scheduler instance.
type Config struct {
	MaxParallelism        int
	ScheduleInterval       time.Duration
	EnableOutputPassing    bool
	DefaultTimeout         time.Duration
	MaxOutputSize          int
	StrictDependencyCheck  bool

	// EnableResultCache opts shell/checkpoint/agent tasks marked
	// dag.Task.Cacheable into executor.ResultCache (§4.8, supplemented).
	EnableResultCache bool
	CacheSize         int
	CacheTTL          time.Duration
}

// DefaultConfig mirrors the spec's stated scheduler defaults.
func DefaultConfig() Config {
	return Config{
		MaxParallelism:        4,
		ScheduleInterval:      defaultScheduleInterval,
		EnableOutputPassing:   false,
		DefaultTimeout:        120 * time.Second,
		MaxOutputSize:         defaultMaxOutputSize,
		StrictDependencyCheck: false,
		EnableResultCache:     false,
		CacheSize:             1000,
		CacheTTL:              30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxParallelism <= 0 {
		c.MaxParallelism = d.MaxParallelism
	}
	if c.ScheduleInterval <= 0 {
		c.ScheduleInterval = d.ScheduleInterval
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.MaxOutputSize <= 0 {
		c.MaxOutputSize = d.MaxOutputSize
	}
	if c.CacheSize <= 0 {
		c.CacheSize = d.CacheSize
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	return c
}
