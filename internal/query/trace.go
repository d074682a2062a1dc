package query

import (
	"fmt"
	"time"

	"github.com/finrag/backend/internal/domain"
	"github.com/finrag/backend/internal/metrics"
)

// Observer receives every state transition as it happens.
type Observer func(domain.StageEvent)

// trace records the state machine of one query.
type trace struct {
	start    time.Time
	last     time.Time
	state    domain.State
	events   []domain.StageEvent
	observer Observer
}

func newTrace(observer Observer) *trace {
	now := time.Now()
	t := &trace{start: now, last: now, state: domain.StateReceived, observer: observer}
	t.emit(domain.StateReceived, "", now)
	return t
}

// advance moves to next. Illegal transitions are a programming error and
// land the query in FAILED.
func (t *trace) advance(next domain.State, detail string) error {
	if !domain.CanTransition(t.state, next) {
		err := fmt.Errorf("illegal transition %s -> %s", t.state, next)
		t.fail(err.Error())
		return err
	}
	now := time.Now()
	metrics.StageDuration.WithLabelValues(string(next)).Observe(now.Sub(t.last).Seconds())
	t.last = now
	t.state = next
	t.emit(next, detail, now)
	return nil
}

func (t *trace) emit(state domain.State, detail string, at time.Time) {
	ev := domain.StageEvent{
		State:     state,
		At:        at,
		ElapsedMs: at.Sub(t.start).Milliseconds(),
		Detail:    detail,
	}
	t.events = append(t.events, ev)
	if t.observer != nil {
		t.observer(ev)
	}
}

func (t *trace) fail(detail string) {
	if !domain.CanTransition(t.state, domain.StateFailed) {
		return
	}
	_ = t.advance(domain.StateFailed, detail)
}
