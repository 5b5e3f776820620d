package submux

import "time"

// Config carries the tuning knobs spec'd for the subscribe engine. It is a
// plain value the caller constructs; this package parses no flags and
// reads no environment — config/CLI surface is the caller's concern.
type Config struct {
	// SubscriptionsPerConnection caps the number of distinct channels a
	// single ConnectionEntry may host.
	SubscriptionsPerConnection int

	// RetryAttempts bounds the total number of pub/sub connection-
	// acquisition attempts, the first one included, that a user-initiated
	// subscribe makes before giving up.
	RetryAttempts int

	// RetryInterval is the delay between connection-acquisition retries.
	RetryInterval time.Duration

	// Timeout bounds how long a subscribe/unsubscribe waits for the
	// backend's status-message acknowledgement before the watchdog fires.
	Timeout time.Duration

	// ChannelStripes sizes the striped per-channel mutex array. Zero
	// defaults to DefaultChannelStripes.
	ChannelStripes int
}

// DefaultChannelStripes is a prime comfortably above the number of
// concurrently-hot channels a typical deployment multiplexes.
const DefaultChannelStripes = 53

// DefaultConfig mirrors sane defaults for a single Redis-like node: sixteen
// channels per connection slot (Redis itself has no hard server-side cap;
// this is a client-side fairness knob), three connect attempts 100ms apart,
// and a one second ACK watchdog.
var DefaultConfig = Config{
	SubscriptionsPerConnection: 16,
	RetryAttempts:              3,
	RetryInterval:              100 * time.Millisecond,
	Timeout:                    time.Second,
	ChannelStripes:             DefaultChannelStripes,
}

// Validate rejects configurations that would make the engine misbehave
// (a zero subscription cap would make every slow-path acquisition fail
// InternalInvariantViolation, for instance) and fills in defaults for
// anything left at its zero value.
func (c *Config) Validate() error {
	if c.SubscriptionsPerConnection <= 0 {
		return &ErrInternalInvariantViolation{Detail: "SubscriptionsPerConnection must be positive"}
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 1
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultConfig.RetryInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultConfig.Timeout
	}
	if c.ChannelStripes <= 0 {
		c.ChannelStripes = DefaultChannelStripes
	}
	return nil
}
