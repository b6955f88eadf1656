// Package model defines the simulation events replayed by simlog.
package model

import (
	"fmt"

	"github.com/logflow/simlog/pkg/ids"
)

// Kind discriminates event types. The numeric values are the protobuf field
// numbers that carry each event type in a log record.
type Kind uint8

const (
	KindUnknown             Kind = 0
	KindActivityStart       Kind = 2
	KindActivityEnd         Kind = 3
	KindPersonDeparture     Kind = 4
	KindPersonArrival       Kind = 5
	KindLinkEnter           Kind = 6
	KindLinkLeave           Kind = 7
	KindPersonEntersVehicle Kind = 8
	KindPersonLeavesVehicle Kind = 9
	KindTravelled           Kind = 10
)

// Kinds lists every known kind in discriminant order.
var Kinds = []Kind{
	KindActivityStart,
	KindActivityEnd,
	KindPersonDeparture,
	KindPersonArrival,
	KindLinkEnter,
	KindLinkLeave,
	KindPersonEntersVehicle,
	KindPersonLeavesVehicle,
	KindTravelled,
}

// String returns the kind name as it appears in logs and manifests.
func (k Kind) String() string {
	switch k {
	case KindActivityStart:
		return "actstart"
	case KindActivityEnd:
		return "actend"
	case KindPersonDeparture:
		return "departure"
	case KindPersonArrival:
		return "arrival"
	case KindLinkEnter:
		return "entered_link"
	case KindLinkLeave:
		return "left_link"
	case KindPersonEntersVehicle:
		return "entered_vehicle"
	case KindPersonLeavesVehicle:
		return "left_vehicle"
	case KindTravelled:
		return "travelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ParseKind parses a kind name produced by String.
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if k.String() == s {
			return k, true
		}
	}
	return KindUnknown, false
}

// Event is one immutable simulation event. The set of implementations is
// closed; consumers switch on the concrete type.
type Event interface {
	Kind() Kind
	// SimTime is the simulation time in seconds.
	SimTime() uint32
	isEvent()
}

// ActivityStart marks a person beginning an activity on a link.
type ActivityStart struct {
	Time    uint32
	Person  ids.ID
	Link    ids.ID
	ActType ids.ID
}

func (ActivityStart) Kind() Kind        { return KindActivityStart }
func (e ActivityStart) SimTime() uint32 { return e.Time }
func (ActivityStart) isEvent()          {}

// ActivityEnd marks a person finishing an activity.
type ActivityEnd struct {
	Time    uint32
	Person  ids.ID
	Link    ids.ID
	ActType ids.ID
}

func (ActivityEnd) Kind() Kind        { return KindActivityEnd }
func (e ActivityEnd) SimTime() uint32 { return e.Time }
func (ActivityEnd) isEvent()          {}

// PersonDeparture starts a leg. It directly follows the ActivityEnd of the
// activity the person is leaving.
type PersonDeparture struct {
	Time        uint32
	Person      ids.ID
	Link        ids.ID
	LegMode     ids.ID
	RoutingMode ids.ID
}

func (PersonDeparture) Kind() Kind        { return KindPersonDeparture }
func (e PersonDeparture) SimTime() uint32 { return e.Time }
func (PersonDeparture) isEvent()          {}

// PersonArrival ends a leg.
type PersonArrival struct {
	Time    uint32
	Person  ids.ID
	Link    ids.ID
	LegMode ids.ID
}

func (PersonArrival) Kind() Kind        { return KindPersonArrival }
func (e PersonArrival) SimTime() uint32 { return e.Time }
func (PersonArrival) isEvent()          {}

// LinkEnter is emitted when a vehicle enters a link.
type LinkEnter struct {
	Time    uint32
	Link    ids.ID
	Vehicle ids.ID
}

func (LinkEnter) Kind() Kind        { return KindLinkEnter }
func (e LinkEnter) SimTime() uint32 { return e.Time }
func (LinkEnter) isEvent()          {}

// LinkLeave is emitted when a vehicle leaves a link.
type LinkLeave struct {
	Time    uint32
	Link    ids.ID
	Vehicle ids.ID
}

func (LinkLeave) Kind() Kind        { return KindLinkLeave }
func (e LinkLeave) SimTime() uint32 { return e.Time }
func (LinkLeave) isEvent()          {}

// PersonEntersVehicle is emitted when a person boards a vehicle.
type PersonEntersVehicle struct {
	Time    uint32
	Person  ids.ID
	Vehicle ids.ID
}

func (PersonEntersVehicle) Kind() Kind        { return KindPersonEntersVehicle }
func (e PersonEntersVehicle) SimTime() uint32 { return e.Time }
func (PersonEntersVehicle) isEvent()          {}

// PersonLeavesVehicle is emitted when a person alights.
type PersonLeavesVehicle struct {
	Time    uint32
	Person  ids.ID
	Vehicle ids.ID
}

func (PersonLeavesVehicle) Kind() Kind        { return KindPersonLeavesVehicle }
func (e PersonLeavesVehicle) SimTime() uint32 { return e.Time }
func (PersonLeavesVehicle) isEvent()          {}

// Travelled reports a teleported leg's distance in meters.
type Travelled struct {
	Time     uint32
	Person   ids.ID
	Distance float64
	Mode     ids.ID
}

func (Travelled) Kind() Kind        { return KindTravelled }
func (e Travelled) SimTime() uint32 { return e.Time }
func (Travelled) isEvent()          {}
