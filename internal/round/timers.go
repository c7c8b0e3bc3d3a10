package round

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// roundTimer pairs a deadline timer with the channel that releases its
// goroutine when the timer is cancelled or replaced before firing.
type roundTimer struct {
	timer  clockwork.Timer
	cancel chan struct{}
}

// armCloseTimer schedules the round's single deadline timer, replacing
// any timer already registered for the id. The fired path goes through
// requestClose, so a timer racing a manual close resolves through the
// close-once guard rather than through cancellation.
func (s *Service) armCloseTimer(roundID uuid.UUID, deadline time.Time) {
	d := deadline.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	rt := &roundTimer{
		timer:  s.clock.NewTimer(d),
		cancel: make(chan struct{}),
	}
	s.replaceTimer(roundID, rt)

	go func() {
		select {
		case <-rt.timer.Chan():
			s.removeTimer(roundID)
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			if _, err := s.requestClose(ctx, roundID); err != nil {
				log.Error().Err(err).
					Str("round_id", roundID.String()).
					Msg("timer-driven close failed")
				return
			}
			log.Debug().Str("round_id", roundID.String()).Msg("deadline timer fired")
		case <-rt.cancel:
			// Whoever cancelled already stopped the timer and dropped
			// the registry entry.
		case <-s.stopCh:
			stopAndDrainTimer(rt.timer)
			s.removeTimer(roundID)
		}
	}()
}

// replaceTimer atomically swaps in a new timer for the round, stopping
// any previous one and releasing its goroutine so the round owns exactly
// one outstanding timer.
func (s *Service) replaceTimer(roundID uuid.UUID, rt *roundTimer) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if existing, ok := s.timers[roundID]; ok {
		stopAndDrainTimer(existing.timer)
		close(existing.cancel)
		log.Debug().Str("round_id", roundID.String()).Msg("replaced existing close timer")
	}
	s.timers[roundID] = rt
}

// cancelTimer stops the round's timer and releases its goroutine. It is
// best-effort: a timer that fires anyway is a no-op via the close-once
// guard.
func (s *Service) cancelTimer(roundID uuid.UUID) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if rt, ok := s.timers[roundID]; ok {
		stopAndDrainTimer(rt.timer)
		close(rt.cancel)
		delete(s.timers, roundID)
	}
}

func (s *Service) removeTimer(roundID uuid.UUID) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	delete(s.timers, roundID)
}

// stopAndDrainTimer stops a timer and drains its channel so the firing
// goroutine never leaks, per the time.Timer.Stop contract.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
