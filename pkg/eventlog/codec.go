// Package eventlog reads and writes the binary event logs produced by the
// simulation.
//
// A log is split into shards named <base>/<stream>-<shard>.<ext>. Each shard
// is a sequence of frames, a varint length followed by a TimeStep message:
//
//	message TimeStep {
//	  uint32 time = 1;
//	  repeated Event events = 2;
//	}
//
// An Event message holds exactly one field. Its field number is the event
// kind (see model.Kind) and its value is the kind's payload message, whose
// fields are identifier handles (varint) or, for distances, a double.
// Absent fields decode as zero, as in proto3.
package eventlog

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/logflow/simlog/internal/model"
	"github.com/logflow/simlog/pkg/ids"
)

const (
	stepFieldTime   protowire.Number = 1
	stepFieldEvents protowire.Number = 2
)

// maxPayloadField is the highest payload field number any kind uses.
const maxPayloadField = 4

var errNoKind = errors.New("event record carries no kind")

// payload holds the decoded fields of one event payload message.
type payload struct {
	varints [maxPayloadField + 1]uint64
	fixed   [maxPayloadField + 1]float64
}

func parsePayload(b []byte) (*payload, error) {
	p := &payload{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		known := num >= 1 && num <= maxPayloadField
		switch {
		case known && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p.varints[num] = v
			b = b[n:]
		case known && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p.fixed[num] = math.Float64frombits(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return p, nil
}

// resolver turns payload handles into registry IDs, keeping the first
// failure.
type resolver struct {
	reg *ids.Registry
	p   *payload
	err error
}

func (r *resolver) id(field int, category ids.Category) ids.ID {
	if r.err != nil {
		return ids.ID{}
	}
	id, err := r.reg.Resolve(category, r.p.varints[field])
	if err != nil {
		r.err = fmt.Errorf("field %d: %w", field, err)
	}
	return id
}

// decodeEvent decodes one Event message at the given step time.
func decodeEvent(reg *ids.Registry, time uint32, msg []byte) (model.Event, error) {
	if len(msg) == 0 {
		return nil, errNoKind
	}

	num, typ, n := protowire.ConsumeTag(msg)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	kind := model.Kind(num)
	if num > math.MaxUint8 || !isKnown(kind) {
		return nil, fmt.Errorf("unknown event kind %d", num)
	}
	if typ != protowire.BytesType {
		return nil, fmt.Errorf("event kind %s has wire type %d, want bytes", kind, typ)
	}

	body, n2 := protowire.ConsumeBytes(msg[n:])
	if n2 < 0 {
		return nil, protowire.ParseError(n2)
	}
	if rest := msg[n+n2:]; len(rest) > 0 {
		return nil, fmt.Errorf("event record of kind %s carries %d trailing bytes", kind, len(rest))
	}

	p, err := parsePayload(body)
	if err != nil {
		return nil, fmt.Errorf("%s payload: %w", kind, err)
	}
	r := &resolver{reg: reg, p: p}

	var ev model.Event
	switch kind {
	case model.KindActivityStart:
		ev = model.ActivityStart{
			Time:    time,
			Person:  r.id(1, ids.CategoryPerson),
			Link:    r.id(2, ids.CategoryLink),
			ActType: r.id(3, ids.CategoryString),
		}
	case model.KindActivityEnd:
		ev = model.ActivityEnd{
			Time:    time,
			Person:  r.id(1, ids.CategoryPerson),
			Link:    r.id(2, ids.CategoryLink),
			ActType: r.id(3, ids.CategoryString),
		}
	case model.KindPersonDeparture:
		ev = model.PersonDeparture{
			Time:        time,
			Person:      r.id(1, ids.CategoryPerson),
			Link:        r.id(2, ids.CategoryLink),
			LegMode:     r.id(3, ids.CategoryString),
			RoutingMode: r.id(4, ids.CategoryString),
		}
	case model.KindPersonArrival:
		ev = model.PersonArrival{
			Time:    time,
			Person:  r.id(1, ids.CategoryPerson),
			Link:    r.id(2, ids.CategoryLink),
			LegMode: r.id(3, ids.CategoryString),
		}
	case model.KindLinkEnter:
		ev = model.LinkEnter{
			Time:    time,
			Link:    r.id(1, ids.CategoryLink),
			Vehicle: r.id(2, ids.CategoryVehicle),
		}
	case model.KindLinkLeave:
		ev = model.LinkLeave{
			Time:    time,
			Link:    r.id(1, ids.CategoryLink),
			Vehicle: r.id(2, ids.CategoryVehicle),
		}
	case model.KindPersonEntersVehicle:
		ev = model.PersonEntersVehicle{
			Time:    time,
			Person:  r.id(1, ids.CategoryPerson),
			Vehicle: r.id(2, ids.CategoryVehicle),
		}
	case model.KindPersonLeavesVehicle:
		ev = model.PersonLeavesVehicle{
			Time:    time,
			Person:  r.id(1, ids.CategoryPerson),
			Vehicle: r.id(2, ids.CategoryVehicle),
		}
	case model.KindTravelled:
		ev = model.Travelled{
			Time:     time,
			Person:   r.id(1, ids.CategoryPerson),
			Distance: p.fixed[2],
			Mode:     r.id(3, ids.CategoryString),
		}
	}

	if r.err != nil {
		return nil, fmt.Errorf("%s: %w", kind, r.err)
	}
	return ev, nil
}

func isKnown(kind model.Kind) bool {
	for _, k := range model.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// appendEvent appends the Event message for ev.
func appendEvent(b []byte, ev model.Event) ([]byte, error) {
	var body []byte
	handle := func(field protowire.Number, id ids.ID) {
		body = protowire.AppendTag(body, field, protowire.VarintType)
		body = protowire.AppendVarint(body, id.Handle())
	}

	switch e := ev.(type) {
	case model.ActivityStart:
		handle(1, e.Person)
		handle(2, e.Link)
		handle(3, e.ActType)
	case model.ActivityEnd:
		handle(1, e.Person)
		handle(2, e.Link)
		handle(3, e.ActType)
	case model.PersonDeparture:
		handle(1, e.Person)
		handle(2, e.Link)
		handle(3, e.LegMode)
		handle(4, e.RoutingMode)
	case model.PersonArrival:
		handle(1, e.Person)
		handle(2, e.Link)
		handle(3, e.LegMode)
	case model.LinkEnter:
		handle(1, e.Link)
		handle(2, e.Vehicle)
	case model.LinkLeave:
		handle(1, e.Link)
		handle(2, e.Vehicle)
	case model.PersonEntersVehicle:
		handle(1, e.Person)
		handle(2, e.Vehicle)
	case model.PersonLeavesVehicle:
		handle(1, e.Person)
		handle(2, e.Vehicle)
	case model.Travelled:
		handle(1, e.Person)
		body = protowire.AppendTag(body, 2, protowire.Fixed64Type)
		body = protowire.AppendFixed64(body, math.Float64bits(e.Distance))
		handle(3, e.Mode)
	default:
		return nil, fmt.Errorf("cannot encode event %T", ev)
	}

	b = protowire.AppendTag(b, protowire.Number(ev.Kind()), protowire.BytesType)
	return protowire.AppendBytes(b, body), nil
}

// step is a decoded TimeStep whose events are still raw.
type step struct {
	time   uint32
	events [][]byte
}

func parseStep(msg []byte) (step, error) {
	var s step
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return step{}, protowire.ParseError(n)
		}
		msg = msg[n:]

		switch {
		case num == stepFieldTime && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return step{}, protowire.ParseError(n)
			}
			if v > math.MaxUint32 {
				return step{}, fmt.Errorf("time %d overflows uint32", v)
			}
			s.time = uint32(v)
			msg = msg[n:]
		case num == stepFieldEvents && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return step{}, protowire.ParseError(n)
			}
			s.events = append(s.events, v)
			msg = msg[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return step{}, protowire.ParseError(n)
			}
			msg = msg[n:]
		}
	}
	return s, nil
}

func appendStep(b []byte, time uint32, events []model.Event) ([]byte, error) {
	var msg []byte
	msg = protowire.AppendTag(msg, stepFieldTime, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(time))
	for _, ev := range events {
		if ev.SimTime() != time {
			return nil, fmt.Errorf("event %s at time %d written into step %d", ev.Kind(), ev.SimTime(), time)
		}
		encoded, err := appendEvent(nil, ev)
		if err != nil {
			return nil, err
		}
		msg = protowire.AppendTag(msg, stepFieldEvents, protowire.BytesType)
		msg = protowire.AppendBytes(msg, encoded)
	}

	b = protowire.AppendVarint(b, uint64(len(msg)))
	return append(b, msg...), nil
}
