package sd

import "time"

// Timing holds the per-service SD timing configuration.
type Timing struct {
	InitialDelayMin  time.Duration
	InitialDelayMax  time.Duration
	RepetitionBase   time.Duration
	RepetitionMax    uint8
	CyclicOfferDelay time.Duration
	TTL              time.Duration
}

// DefaultTiming returns the protocol defaults: initial_min=10ms,
// initial_max=100ms, repetition_base=200ms, repetition_max=3,
// cyclic_offer=1000ms, ttl=3*cyclic_offer.
func DefaultTiming() Timing {
	cyclic := 1000 * time.Millisecond
	return Timing{
		InitialDelayMin:  10 * time.Millisecond,
		InitialDelayMax:  100 * time.Millisecond,
		RepetitionBase:   200 * time.Millisecond,
		RepetitionMax:    3,
		CyclicOfferDelay: cyclic,
		TTL:              3 * cyclic,
	}
}

// DefaultWatchdogCycle is VSOMEIP_WATCHDOG_CYCLE.
const DefaultWatchdogCycle = 2000 * time.Millisecond

// DefaultMaxMissingPongs is VSOMEIP_MAX_MISSING_PONGS.
const DefaultMaxMissingPongs = 5

// DefaultFlushTimeout is the endpoint buffer flush timer default.
const DefaultFlushTimeout = 1000 * time.Millisecond

// DefaultMaxUDPMessageSize is VSOMEIP_MAX_UDP_MESSAGE_SIZE.
const DefaultMaxUDPMessageSize = 1446

// DefaultSDPort and DefaultSDMulticastGroup are the typical SD rendezvous
// address, overridable via configuration.
const DefaultSDPort = 30490

var DefaultSDMulticastGroup = "224.244.224.245"
