package session

import "time"

// Config controls hub, claim, subscriber-queue, and registry behavior.
// Defaults match the values enumerated in the specification's
// configuration section; Load in internal/config is responsible for
// populating this from viper.
type Config struct {
	ClaimLeaseMax    time.Duration
	ClaimIdleMax     time.Duration
	QueueOutputCap   int
	QueuePriorityCap int
	ReapGrace        time.Duration
	PresenceIdle     time.Duration
	PresenceEvict    time.Duration
	HeartbeatPeriod  time.Duration
	WriteDeadline    time.Duration
}

// DefaultConfig returns the specification's documented defaults.
func DefaultConfig() Config {
	return Config{
		ClaimLeaseMax:    120 * time.Second,
		ClaimIdleMax:     60 * time.Second,
		QueueOutputCap:   DefaultOutputQueueCap,
		QueuePriorityCap: DefaultPriorityQueueCap,
		ReapGrace:        30 * time.Second,
		PresenceIdle:     10 * time.Minute,
		PresenceEvict:    30 * time.Minute,
		HeartbeatPeriod:  15 * time.Second,
		WriteDeadline:    10 * time.Second,
	}
}
