package sd

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// OfferPhase is the per-offered-service announcement state.
type OfferPhase uint8

const (
	PhaseInitial OfferPhase = iota
	PhaseWaitInitial
	PhaseRepetition
	PhaseMain
)

func (p OfferPhase) String() string {
	switch p {
	case PhaseInitial:
		return "INITIAL"
	case PhaseWaitInitial:
		return "WAIT_INITIAL"
	case PhaseRepetition:
		return "REPETITION"
	case PhaseMain:
		return "MAIN"
	default:
		return "UNKNOWN"
	}
}

// OfferState drives the timed state machine for one offered (service,
// instance): a mutex-guarded state field, a single time.Timer, and a
// callback invoked to emit the wire message.
//
//	INITIAL        -> offer: schedule Uniform(min,max)            -> WAIT_INITIAL
//	WAIT_INITIAL   -> timer: send Offer, run=0
//	                    repetition_max>0: t=repetition_base        -> REPETITION
//	                    else:             t=cyclic                 -> MAIN
//	REPETITION     -> timer: send Offer, run++
//	                    run<repetition_max: t*=2                  (stay)
//	                    else:               t=cyclic               -> MAIN
//	MAIN           -> timer: send Offer, t=cyclic                  (stay)
//	MAIN           -> stop_offer: send StopOffer(ttl=0)            -> INITIAL
type OfferState struct {
	mu        sync.Mutex
	logger    *slog.Logger
	timing    Timing
	phase     OfferPhase
	runCount  uint8
	timer     *time.Timer
	sendOffer func(ttl uint32)
}

// NewOfferState creates an OfferState in PhaseInitial. sendOffer is invoked
// (off the calling goroutine, via time.AfterFunc) every time an
// OfferService/StopOffer must be emitted; ttl is 0 for StopOffer.
func NewOfferState(timing Timing, logger *slog.Logger, sendOffer func(ttl uint32)) *OfferState {
	if logger == nil {
		logger = slog.Default()
	}
	return &OfferState{logger: logger, timing: timing, sendOffer: sendOffer}
}

// Phase returns the current state, for tests and diagnostics.
func (o *OfferState) Phase() OfferPhase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Offer transitions INITIAL -> WAIT_INITIAL, scheduling the first
// OfferService after a uniformly random delay in [min,max].
// Calling Offer while already offering is a no-op (idempotent restart is
// handled by StopOffer+Offer).
func (o *OfferState) Offer() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase != PhaseInitial {
		return
	}
	o.phase = PhaseWaitInitial
	delay := randomBetween(o.timing.InitialDelayMin, o.timing.InitialDelayMax)
	o.scheduleLocked(delay, o.onWaitInitialTimer)
}

// StopOffer transitions to INITIAL, sending a StopOffer (TTL=0) immediately
// if a service was being advertised.
func (o *OfferState) StopOffer() {
	o.mu.Lock()
	wasAdvertised := o.phase == PhaseMain || o.phase == PhaseRepetition || o.phase == PhaseWaitInitial
	o.phase = PhaseInitial
	if o.timer != nil {
		o.timer.Stop()
	}
	o.mu.Unlock()
	if wasAdvertised {
		o.sendOffer(0)
	}
}

// IsAdvertised reports whether the service is currently in MAIN phase; a
// service counts as advertised only while its state machine sits there.
func (o *OfferState) IsAdvertised() bool {
	return o.Phase() == PhaseMain
}

func (o *OfferState) onWaitInitialTimer() {
	o.mu.Lock()
	if o.phase != PhaseWaitInitial {
		o.mu.Unlock()
		return
	}
	o.runCount = 0
	var next time.Duration
	if o.timing.RepetitionMax > 0 {
		o.phase = PhaseRepetition
		next = o.timing.RepetitionBase
	} else {
		o.phase = PhaseMain
		next = o.timing.CyclicOfferDelay
	}
	o.scheduleLocked(next, o.followUpTimer)
	o.mu.Unlock()
	o.sendOffer(ttlSeconds(o.timing.TTL))
}

func (o *OfferState) followUpTimer() {
	o.mu.Lock()
	switch o.phase {
	case PhaseRepetition:
		o.runCount++
		if o.runCount < o.timing.RepetitionMax {
			next := o.timing.RepetitionBase << o.runCount
			o.scheduleLocked(next, o.followUpTimer)
		} else {
			o.phase = PhaseMain
			o.scheduleLocked(o.timing.CyclicOfferDelay, o.followUpTimer)
		}
	case PhaseMain:
		o.scheduleLocked(o.timing.CyclicOfferDelay, o.followUpTimer)
	default:
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.sendOffer(ttlSeconds(o.timing.TTL))
}

// scheduleLocked must be called with o.mu held.
func (o *OfferState) scheduleLocked(d time.Duration, fn func()) {
	if o.timer != nil {
		o.timer.Stop()
	}
	o.timer = time.AfterFunc(d, fn)
}

func randomBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func ttlSeconds(d time.Duration) uint32 {
	return uint32(d / time.Second)
}
