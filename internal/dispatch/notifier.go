// Package dispatch delivers events to riders and drivers. Delivery is best
// effort: a recipient that is not connected simply misses the event.
package dispatch

import "github.com/example/ride-dispatch/internal/protocol"

type Notifier interface {
	BroadcastToDrivers(ev protocol.Event)
	SendToRider(riderID string, ev protocol.Event)
	SendToDriver(driverID string, ev protocol.Event)
}

// Fanout forwards every event to each notifier in order.
type Fanout []Notifier

func (f Fanout) BroadcastToDrivers(ev protocol.Event) {
	for _, n := range f {
		n.BroadcastToDrivers(ev)
	}
}

func (f Fanout) SendToRider(riderID string, ev protocol.Event) {
	for _, n := range f {
		n.SendToRider(riderID, ev)
	}
}

func (f Fanout) SendToDriver(driverID string, ev protocol.Event) {
	for _, n := range f {
		n.SendToDriver(driverID, ev)
	}
}

// Nop drops everything.
type Nop struct{}

func (Nop) BroadcastToDrivers(protocol.Event)   {}
func (Nop) SendToRider(string, protocol.Event)  {}
func (Nop) SendToDriver(string, protocol.Event) {}
