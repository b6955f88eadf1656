// Package analysis holds the reducers that turn a replayed event stream into
// output tables. Each reducer owns its state, sees events through Handle and
// writes its table once in Finish.
package analysis

import (
	"sort"

	"github.com/logflow/simlog/pkg/events"
	slerrors "github.com/logflow/simlog/pkg/errors"
	"github.com/logflow/simlog/pkg/ids"
	"github.com/logflow/simlog/pkg/writer"
)

// Analysis is a reducer that can be subscribed to the bus.
type Analysis interface {
	events.Subscriber

	// Name is the analysis name, also used as the output table name.
	Name() string

	// RowsWritten is the number of rows written by Finish.
	RowsWritten() int64
}

// Constructor builds an analysis over a registry. A nil Opener keeps the
// result in memory only.
type Constructor func(reg *ids.Registry, out writer.Opener) Analysis

var constructors = map[string]Constructor{
	"activities": func(reg *ids.Registry, out writer.Opener) Analysis { return NewActivities(reg, out) },
	"legs":       func(reg *ids.Registry, out writer.Opener) Analysis { return NewLegs(reg, out) },
	"links":      func(reg *ids.Registry, out writer.Opener) Analysis { return NewLinkTravelTimes(reg, out) },
}

// Names returns the known analysis names, sorted.
func Names() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the analysis registered under name.
func New(name string, reg *ids.Registry, out writer.Opener) (Analysis, error) {
	ctor, ok := constructors[name]
	if !ok {
		return nil, slerrors.Newf(slerrors.CodeRegistration, "unknown analysis %q", name).
			WithContext("known", Names())
	}
	return ctor(reg, out), nil
}

// table writes rows through out, once. A nil out writes nothing.
type table struct {
	out     writer.Opener
	schema  writer.Schema
	written bool
	rows    int64
}

func (t *table) write(each func(emit func(values ...any) error) error) error {
	if t.written {
		return nil
	}
	t.written = true
	if t.out == nil {
		return nil
	}

	w, err := t.out(t.schema)
	if err != nil {
		return err
	}
	if err := each(w.WriteRow); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	t.rows = w.RowsWritten()
	return nil
}

// external returns the external string of id, or "" for the zero ID.
func external(reg *ids.Registry, id ids.ID) string {
	if !id.IsValid() {
		return ""
	}
	return reg.External(id)
}
