package provider

import (
	"log/slog"

	"github.com/bazelment/chatstream/agentstream"
)

// EventBuffer is the capacity of adapter event channels.
const EventBuffer = 64

// Run starts produce on its own goroutine with a Guard writing to a new
// channel. If produce returns without a terminal event, the stream is
// closed with a done event. The channel is closed afterwards.
func Run(logger *slog.Logger, produce func(g *agentstream.Guard)) <-chan agentstream.Event {
	if logger == nil {
		logger = slog.Default()
	}
	events := make(chan agentstream.Event, EventBuffer)
	go func() {
		defer close(events)
		g := agentstream.NewGuard(func(ev agentstream.Event) { events <- ev }, logger)
		defer g.Close(agentstream.Done(agentstream.StopEndTurn))
		produce(g)
	}()
	return events
}

// Drain collects every event of a stream. It is meant for tests and
// one-shot callers.
func Drain(events <-chan agentstream.Event) []agentstream.Event {
	var out []agentstream.Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}
