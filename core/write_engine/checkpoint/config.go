// Package checkpoint runs the background policy that bounds dirty memory
// and WAL volume: a timer/size/dirty-ratio-driven trigger evaluation
// feeding a six-phase checkpoint protocol, with writer back-pressure when
// a hard safety limit is crossed.
package checkpoint

import "time"

// Config holds every tunable of the checkpoint policy. All fields have
// sensible defaults via DefaultConfig; embedders override only what they
// need.
type Config struct {
	MaxInterval    time.Duration `yaml:"max_interval"`
	MinInterval    time.Duration `yaml:"min_interval"`
	MaxWalSize     int64         `yaml:"max_wal_size"`
	DirtySoftLimit float64       `yaml:"dirty_soft_limit"`
	DirtyHardLimit float64       `yaml:"dirty_hard_limit"`
	BatchSize      int           `yaml:"batch_size"`
	BatchThrottle  time.Duration `yaml:"batch_throttle"`
}

// DefaultConfig returns the defaults named in the checkpoint trigger table:
// a 60s periodic upper bound, 5s floor between non-critical checkpoints,
// 1 GiB WAL-size trigger, 70%/90% dirty soft/hard limits, 256-page batches
// throttled 100µs apart during soft-limit runs.
func DefaultConfig() Config {
	return Config{
		MaxInterval:    60 * time.Second,
		MinInterval:    5 * time.Second,
		MaxWalSize:     1 << 30,
		DirtySoftLimit: 0.70,
		DirtyHardLimit: 0.90,
		BatchSize:      256,
		BatchThrottle:  100 * time.Microsecond,
	}
}

// Trigger names why a checkpoint ran, ordered by the priority the
// evaluator checks them in.
type Trigger int

const (
	TriggerNone Trigger = iota
	TriggerDirtyHard
	TriggerWalSize
	TriggerDirtySoft
	TriggerTimer
	TriggerManual
	TriggerShutdown
)

func (t Trigger) String() string {
	switch t {
	case TriggerDirtyHard:
		return "dirty_hard"
	case TriggerWalSize:
		return "wal_size"
	case TriggerDirtySoft:
		return "dirty_soft"
	case TriggerTimer:
		return "timer"
	case TriggerManual:
		return "manual"
	case TriggerShutdown:
		return "shutdown"
	default:
		return "none"
	}
}
