// Package events routes replayed simulation events to registered handlers.
//
// Dispatch is synchronous and single-threaded: a handler returns before the
// next event is delivered, and handlers for one kind run in registration
// order. Once the source is drained, finish callbacks run exactly once.
package events

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/logflow/simlog/internal/model"
	slerrors "github.com/logflow/simlog/pkg/errors"
)

var (
	// ErrRegistrationClosed is returned by registration after dispatch has
	// started.
	ErrRegistrationClosed = errors.New("events: registration closed after dispatch started")

	// ErrFinished is returned by Finish, Dispatch and Run once finish
	// callbacks have run.
	ErrFinished = errors.New("events: bus already finished")
)

// Handler receives events of the kinds it was registered for.
type Handler func(ev model.Event) error

// FinishFunc runs once after the last event.
type FinishFunc func() error

// Subscriber is a reducer that owns its state and sees every event of the
// kinds it names through a single entry point.
type Subscriber interface {
	Kinds() []model.Kind
	Handle(ev model.Event) error
	Finish() error
}

// Source yields events in dispatch order and io.EOF at the end.
type Source interface {
	Next() (model.Event, error)
}

// Stats counts dispatched events.
type Stats struct {
	Events    int64
	ByKind    map[model.Kind]int64
	Unhandled int64 // events of a kind nobody registered for
}

// Manager owns the handler table. The zero value is not usable; call
// NewManager.
type Manager struct {
	mu       sync.RWMutex
	handlers map[model.Kind][]Handler
	finish   []FinishFunc
	started  bool
	finished bool
	stats    Stats
}

// NewManager creates an empty bus.
func NewManager() *Manager {
	return &Manager{
		handlers: make(map[model.Kind][]Handler),
		stats:    Stats{ByKind: make(map[model.Kind]int64)},
	}
}

// On registers a handler for one kind.
func (m *Manager) On(kind model.Kind, h Handler) error {
	if h == nil {
		return slerrors.Newf(slerrors.CodeRegistration, "nil handler for %s", kind)
	}
	if kind == model.KindUnknown {
		return slerrors.New(slerrors.CodeRegistration, "cannot register for unknown kind")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrRegistrationClosed
	}
	m.handlers[kind] = append(m.handlers[kind], h)
	return nil
}

// OnFinish registers a finish callback.
func (m *Manager) OnFinish(f FinishFunc) error {
	if f == nil {
		return slerrors.New(slerrors.CodeRegistration, "nil finish callback")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrRegistrationClosed
	}
	m.finish = append(m.finish, f)
	return nil
}

// Subscribe registers s.Handle under every kind s names and s.Finish as a
// finish callback.
func (m *Manager) Subscribe(s Subscriber) error {
	kinds := s.Kinds()
	if len(kinds) == 0 {
		return slerrors.New(slerrors.CodeRegistration, "subscriber names no kinds")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrRegistrationClosed
	}
	seen := make(map[model.Kind]bool, len(kinds))
	for _, k := range kinds {
		if k == model.KindUnknown {
			return slerrors.New(slerrors.CodeRegistration, "cannot register for unknown kind")
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		m.handlers[k] = append(m.handlers[k], s.Handle)
	}
	m.finish = append(m.finish, s.Finish)
	return nil
}

// Dispatch delivers ev to the handlers of its kind. The first handler error
// stops delivery and is returned.
func (m *Manager) Dispatch(ev model.Event) error {
	if ev == nil {
		return slerrors.New(slerrors.CodeDecode, "nil event")
	}

	m.mu.Lock()
	if m.finished {
		m.mu.Unlock()
		return ErrFinished
	}
	m.started = true
	handlers := m.handlers[ev.Kind()]
	m.stats.Events++
	m.stats.ByKind[ev.Kind()]++
	if len(handlers) == 0 {
		m.stats.Unhandled++
	}
	m.mu.Unlock()

	for _, h := range handlers {
		if err := h(ev); err != nil {
			return err
		}
	}
	return nil
}

// Finish runs every finish callback once, in registration order. A failing
// callback does not stop the later ones; the errors are combined.
func (m *Manager) Finish() error {
	m.mu.Lock()
	if m.finished {
		m.mu.Unlock()
		return ErrFinished
	}
	m.started = true
	m.finished = true
	callbacks := m.finish
	m.mu.Unlock()

	var errs slerrors.MultiError
	for _, f := range callbacks {
		errs.Add(f())
	}
	return errs.Combined()
}

// Run drains src through Dispatch and then calls Finish. When reading or
// dispatching fails, or ctx is canceled, Run returns without running finish
// callbacks.
func (m *Manager) Run(ctx context.Context, src Source) (Stats, error) {
	for {
		if err := ctx.Err(); err != nil {
			return m.Stats(), slerrors.Canceled("replay", err)
		}

		ev, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return m.Stats(), err
		}
		if err := m.Dispatch(ev); err != nil {
			return m.Stats(), err
		}
	}

	if err := m.Finish(); err != nil {
		return m.Stats(), err
	}
	return m.Stats(), nil
}

// Stats returns a copy of the dispatch counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.stats
	out.ByKind = make(map[model.Kind]int64, len(m.stats.ByKind))
	for k, v := range m.stats.ByKind {
		out.ByKind[k] = v
	}
	return out
}
