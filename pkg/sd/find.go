package sd

import (
	"log/slog"
	"sync"
	"time"
)

// FindPhase is the per-requested-service client-side state: FindService
// runs the same initial/repetition structure OfferService does, terminated
// by a matching offer.
type FindPhase uint8

const (
	FindPhaseIdle FindPhase = iota
	FindPhaseWaitInitial
	FindPhaseRepetition
	FindPhaseFound
)

// FindState drives FindService transmission for one requested (service,
// instance) on the client side, terminating as soon as a matching
// OfferService is observed.
type FindState struct {
	mu       sync.Mutex
	logger   *slog.Logger
	timing   Timing
	phase    FindPhase
	runCount uint8
	timer    *time.Timer
	sendFind func()
}

// NewFindState creates a FindState in FindPhaseIdle.
func NewFindState(timing Timing, logger *slog.Logger, sendFind func()) *FindState {
	if logger == nil {
		logger = slog.Default()
	}
	return &FindState{logger: logger, timing: timing, sendFind: sendFind}
}

// Phase returns the current state.
func (f *FindState) Phase() FindPhase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase
}

// Request starts (or restarts, if idle) FindService transmission.
func (f *FindState) Request() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.phase != FindPhaseIdle {
		return
	}
	f.phase = FindPhaseWaitInitial
	delay := randomBetween(f.timing.InitialDelayMin, f.timing.InitialDelayMax)
	f.scheduleLocked(delay, f.onTimer)
}

// Release stops FindService transmission when the service is no longer
// requested.
func (f *FindState) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phase = FindPhaseIdle
	f.runCount = 0
	if f.timer != nil {
		f.timer.Stop()
	}
}

// ServiceFound stops FindService transmission because a matching
// OfferService arrived.
func (f *FindState) ServiceFound() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.phase == FindPhaseIdle {
		return
	}
	f.phase = FindPhaseFound
	if f.timer != nil {
		f.timer.Stop()
	}
}

func (f *FindState) onTimer() {
	f.mu.Lock()
	switch f.phase {
	case FindPhaseWaitInitial:
		f.runCount = 0
		if f.timing.RepetitionMax > 0 {
			f.phase = FindPhaseRepetition
			f.scheduleLocked(f.timing.RepetitionBase, f.onTimer)
		} else {
			f.scheduleLocked(f.timing.CyclicOfferDelay, f.onTimer)
		}
	case FindPhaseRepetition:
		f.runCount++
		if f.runCount < f.timing.RepetitionMax {
			f.scheduleLocked(f.timing.RepetitionBase<<f.runCount, f.onTimer)
		} else {
			f.scheduleLocked(f.timing.CyclicOfferDelay, f.onTimer)
		}
	default:
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.sendFind()
}

func (f *FindState) scheduleLocked(d time.Duration, fn func()) {
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(d, fn)
}
