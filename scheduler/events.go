package scheduler

import (
	"github.com/swarmguard/taskdag/dag"
	"github.com/swarmguard/taskdag/events"
)

// bridgeEventSink adapts dag.Graph's EventSink callback into the events
// bus, translating each (kind, taskID, data) notification into an
// events.Event. dag's kind strings are already the bus's Type values
// verbatim (§4.7), so the bridge is a direct field mapping, not a lookup
// table.
func bridgeEventSink(bus *events.Bus, dagID string) dag.EventSink {
	return func(kind string, taskID string, data interface{}) {
		bus.Emit(events.Event{
			Type:   events.Type(kind),
			DAGID:  dagID,
			TaskID: taskID,
			Data:   data,
		})
	}
}
