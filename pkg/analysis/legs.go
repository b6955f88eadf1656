package analysis

import (
	"github.com/logflow/simlog/internal/model"
	slerrors "github.com/logflow/simlog/pkg/errors"
	"github.com/logflow/simlog/pkg/ids"
	"github.com/logflow/simlog/pkg/writer"
)

// LegSchema is the column layout of the legs table.
var LegSchema = writer.Schema{
	{Name: "person", Type: writer.String},
	{Name: "mode", Type: writer.String},
	{Name: "routing_mode", Type: writer.String},
	{Name: "departure_time", Type: writer.Int64},
	{Name: "travel_time", Type: writer.Int64},
	{Name: "distance", Type: writer.Float64},
}

// Leg is one completed trip leg.
type Leg struct {
	Person        ids.ID
	Mode          ids.ID
	RoutingMode   ids.ID
	DepartureTime uint32
	TravelTime    int64
	Distance      float64
}

type personLegs struct {
	open bool
	leg  Leg
	legs []Leg
}

// Legs pairs each departure with the person's next arrival. Distances come
// from Travelled events seen while the leg is open.
type Legs struct {
	reg     *ids.Registry
	persons map[ids.ID]*personLegs
	order   []ids.ID
	table   table
}

// NewLegs creates the reducer. out may be nil.
func NewLegs(reg *ids.Registry, out writer.Opener) *Legs {
	return &Legs{
		reg:     reg,
		persons: make(map[ids.ID]*personLegs),
		table:   table{out: out, schema: LegSchema},
	}
}

// Name implements Analysis.
func (l *Legs) Name() string { return "legs" }

// Kinds implements events.Subscriber.
func (l *Legs) Kinds() []model.Kind {
	return []model.Kind{model.KindPersonDeparture, model.KindPersonArrival, model.KindTravelled}
}

// Handle implements events.Subscriber.
func (l *Legs) Handle(ev model.Event) error {
	switch e := ev.(type) {
	case model.PersonDeparture:
		p, ok := l.persons[e.Person]
		if !ok {
			p = &personLegs{}
			l.persons[e.Person] = p
			l.order = append(l.order, e.Person)
		}
		if p.open {
			return slerrors.Consistency("departure while a leg is open",
				external(l.reg, e.Person), e.Time).
				WithContext("open_since", p.leg.DepartureTime)
		}
		p.open = true
		p.leg = Leg{
			Person:        e.Person,
			Mode:          e.LegMode,
			RoutingMode:   e.RoutingMode,
			DepartureTime: e.Time,
		}

	case model.Travelled:
		if p, ok := l.persons[e.Person]; ok && p.open {
			p.leg.Distance += e.Distance
		}

	case model.PersonArrival:
		p, ok := l.persons[e.Person]
		if !ok || !p.open {
			return slerrors.Consistency("arrival without a departure",
				external(l.reg, e.Person), e.Time)
		}
		p.leg.TravelTime = int64(e.Time) - int64(p.leg.DepartureTime)
		p.legs = append(p.legs, p.leg)
		p.open = false
	}
	return nil
}

// Legs returns completed legs, persons in first-seen order.
func (l *Legs) Legs() []Leg {
	var out []Leg
	for _, id := range l.order {
		out = append(out, l.persons[id].legs...)
	}
	return out
}

// Finish writes the legs table. Legs still open at the end are dropped.
func (l *Legs) Finish() error {
	return l.table.write(func(emit func(values ...any) error) error {
		for _, leg := range l.Legs() {
			err := emit(
				external(l.reg, leg.Person),
				external(l.reg, leg.Mode),
				external(l.reg, leg.RoutingMode),
				int64(leg.DepartureTime),
				leg.TravelTime,
				leg.Distance,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// RowsWritten implements Analysis.
func (l *Legs) RowsWritten() int64 { return l.table.rows }
