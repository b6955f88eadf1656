package analysis

import (
	"github.com/logflow/simlog/internal/model"
	slerrors "github.com/logflow/simlog/pkg/errors"
	"github.com/logflow/simlog/pkg/ids"
	"github.com/logflow/simlog/pkg/writer"
)

// ActivitySchema is the column layout of the activities table.
var ActivitySchema = writer.Schema{
	{Name: "activity_type", Type: writer.String},
	{Name: "person", Type: writer.String},
	{Name: "link", Type: writer.String},
	{Name: "duration", Type: writer.Int64},
	{Name: "occurrence_count", Type: writer.Int64},
	{Name: "mode", Type: writer.String},
	{Name: "routing_mode", Type: writer.String},
}

// ActivitySummary is one completed activity. Mode and RoutingMode are the
// zero ID until the departure that follows the activity is seen.
type ActivitySummary struct {
	ActivityType ids.ID
	Person       ids.ID
	Link         ids.ID
	Duration     int64
	Count        int64
	Mode         ids.ID
	RoutingMode  ids.ID
}

type personActivities struct {
	open      bool
	start     uint32
	completed int64
	summaries []ActivitySummary
}

// Activities reconstructs per-person activity summaries from activity start,
// activity end and departure events.
//
// The occurrence count of a summary is the number of activities the person
// has completed so far, so the k-th ActivityEnd of a person gets k.
type Activities struct {
	reg     *ids.Registry
	persons map[ids.ID]*personActivities
	order   []ids.ID
	table   table
}

// NewActivities creates the reducer. out may be nil.
func NewActivities(reg *ids.Registry, out writer.Opener) *Activities {
	return &Activities{
		reg:     reg,
		persons: make(map[ids.ID]*personActivities),
		table:   table{out: out, schema: ActivitySchema},
	}
}

// Name implements Analysis.
func (a *Activities) Name() string { return "activities" }

// Kinds implements events.Subscriber.
func (a *Activities) Kinds() []model.Kind {
	return []model.Kind{model.KindActivityStart, model.KindActivityEnd, model.KindPersonDeparture}
}

func (a *Activities) person(id ids.ID) *personActivities {
	p, ok := a.persons[id]
	if !ok {
		p = &personActivities{}
		a.persons[id] = p
		a.order = append(a.order, id)
	}
	return p
}

// Handle implements events.Subscriber.
func (a *Activities) Handle(ev model.Event) error {
	switch e := ev.(type) {
	case model.ActivityStart:
		p := a.person(e.Person)
		if p.open {
			return slerrors.Consistency("activity started while another is open",
				external(a.reg, e.Person), e.Time).
				WithContext("open_since", p.start)
		}
		p.open = true
		p.start = e.Time

	case model.ActivityEnd:
		p := a.person(e.Person)
		var start uint32
		if p.open {
			start = p.start
		}
		duration := int64(e.Time) - int64(start)
		if duration < 0 {
			return slerrors.Consistency("activity ends before it starts",
				external(a.reg, e.Person), e.Time).
				WithContext("start", start)
		}
		p.open = false
		p.completed++
		p.summaries = append(p.summaries, ActivitySummary{
			ActivityType: e.ActType,
			Person:       e.Person,
			Link:         e.Link,
			Duration:     duration,
			Count:        p.completed,
		})

	case model.PersonDeparture:
		p, ok := a.persons[e.Person]
		if !ok || len(p.summaries) == 0 {
			return slerrors.Consistency("departure without a completed activity",
				external(a.reg, e.Person), e.Time)
		}
		last := &p.summaries[len(p.summaries)-1]
		last.Mode = e.LegMode
		last.RoutingMode = e.RoutingMode
	}
	return nil
}

// Summaries returns every summary, persons in first-seen order and each
// person's summaries in chronological order.
func (a *Activities) Summaries() []ActivitySummary {
	var out []ActivitySummary
	for _, id := range a.order {
		out = append(out, a.persons[id].summaries...)
	}
	return out
}

// Finish writes the activities table.
func (a *Activities) Finish() error {
	return a.table.write(func(emit func(values ...any) error) error {
		for _, s := range a.Summaries() {
			err := emit(
				external(a.reg, s.ActivityType),
				external(a.reg, s.Person),
				external(a.reg, s.Link),
				s.Duration,
				s.Count,
				external(a.reg, s.Mode),
				external(a.reg, s.RoutingMode),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// RowsWritten implements Analysis.
func (a *Activities) RowsWritten() int64 { return a.table.rows }
