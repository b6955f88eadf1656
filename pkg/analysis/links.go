package analysis

import (
	"sort"

	"github.com/logflow/simlog/internal/model"
	"github.com/logflow/simlog/pkg/ids"
	"github.com/logflow/simlog/pkg/writer"
)

// LinkSchema is the column layout of the link travel time table.
var LinkSchema = writer.Schema{
	{Name: "link", Type: writer.String},
	{Name: "traversals", Type: writer.Int64},
	{Name: "mean_travel_time", Type: writer.Float64},
	{Name: "min_travel_time", Type: writer.Int64},
	{Name: "max_travel_time", Type: writer.Int64},
}

// LinkStats aggregates the traversals of one link.
type LinkStats struct {
	Link       ids.ID
	Traversals int64
	Total      int64
	Min        int64
	Max        int64
}

// Mean returns the mean travel time in seconds.
func (s LinkStats) Mean() float64 {
	if s.Traversals == 0 {
		return 0
	}
	return float64(s.Total) / float64(s.Traversals)
}

type traversal struct {
	link    ids.ID
	vehicle ids.ID
}

// LinkTravelTimes measures how long vehicles take from entering a link to
// leaving it. A leave without a matching enter is skipped; those are
// vehicles already on the link when the log starts.
type LinkTravelTimes struct {
	reg     *ids.Registry
	entered map[traversal]uint32
	links   map[ids.ID]*LinkStats
	skipped int64
	table   table
}

// NewLinkTravelTimes creates the reducer. out may be nil.
func NewLinkTravelTimes(reg *ids.Registry, out writer.Opener) *LinkTravelTimes {
	return &LinkTravelTimes{
		reg:     reg,
		entered: make(map[traversal]uint32),
		links:   make(map[ids.ID]*LinkStats),
		table:   table{out: out, schema: LinkSchema},
	}
}

// Name implements Analysis.
func (l *LinkTravelTimes) Name() string { return "links" }

// Kinds implements events.Subscriber.
func (l *LinkTravelTimes) Kinds() []model.Kind {
	return []model.Kind{model.KindLinkEnter, model.KindLinkLeave}
}

// Handle implements events.Subscriber.
func (l *LinkTravelTimes) Handle(ev model.Event) error {
	switch e := ev.(type) {
	case model.LinkEnter:
		l.entered[traversal{e.Link, e.Vehicle}] = e.Time

	case model.LinkLeave:
		key := traversal{e.Link, e.Vehicle}
		enter, ok := l.entered[key]
		if !ok {
			l.skipped++
			return nil
		}
		delete(l.entered, key)

		d := int64(e.Time) - int64(enter)
		s, ok := l.links[e.Link]
		if !ok {
			s = &LinkStats{Link: e.Link, Min: d, Max: d}
			l.links[e.Link] = s
		}
		s.Traversals++
		s.Total += d
		s.Min = min(s.Min, d)
		s.Max = max(s.Max, d)
	}
	return nil
}

// Skipped returns the number of leaves without a matching enter.
func (l *LinkTravelTimes) Skipped() int64 { return l.skipped }

// Stats returns per-link statistics sorted by external link id.
func (l *LinkTravelTimes) Stats() []LinkStats {
	out := make([]LinkStats, 0, len(l.links))
	for _, s := range l.links {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		return external(l.reg, out[i].Link) < external(l.reg, out[j].Link)
	})
	return out
}

// Finish writes the link table.
func (l *LinkTravelTimes) Finish() error {
	return l.table.write(func(emit func(values ...any) error) error {
		for _, s := range l.Stats() {
			if err := emit(external(l.reg, s.Link), s.Traversals, s.Mean(), s.Min, s.Max); err != nil {
				return err
			}
		}
		return nil
	})
}

// RowsWritten implements Analysis.
func (l *LinkTravelTimes) RowsWritten() int64 { return l.table.rows }
