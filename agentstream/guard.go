package agentstream

import (
	"log/slog"
	"slices"
)

// Guard sits between an adapter and its consumer and enforces the stream
// invariants: blocks open and close in pairs, deltas only reach open blocks,
// and exactly one terminal event is delivered, preceded by synthesized stops
// for any block still open.
//
// A Guard is not safe for concurrent use; each stream owns one.
type Guard struct {
	emit   func(Event)
	logger *slog.Logger
	open   map[int]Event
	order  []int
	done   bool
}

// NewGuard returns a Guard forwarding accepted events to emit.
func NewGuard(emit func(Event), logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		emit:   emit,
		logger: logger,
		open:   make(map[int]Event),
	}
}

// Emit forwards ev if it is valid for the current stream state. A terminal
// event closes the stream. It returns false once the stream has terminated.
func (g *Guard) Emit(ev Event) bool {
	if g.done {
		g.logger.Debug("dropping event after terminal", "type", ev.Type, "block_index", ev.BlockIndex)
		return false
	}
	if ev.IsTerminal() {
		g.Close(ev)
		return false
	}

	if _, isStart := stopFor(ev.Type); isStart {
		if prev, exists := g.open[ev.BlockIndex]; exists {
			g.logger.Warn("dropping start for already open block",
				"type", ev.Type, "block_index", ev.BlockIndex, "open_type", prev.Type)
			return true
		}
		g.open[ev.BlockIndex] = ev
		g.order = append(g.order, ev.BlockIndex)
		g.emit(ev)
		return true
	}

	if start, inBlock := startFor(ev.Type); inBlock {
		opened, exists := g.open[ev.BlockIndex]
		if !exists || opened.Type != start {
			g.logger.Warn("dropping event for block that is not open",
				"type", ev.Type, "block_index", ev.BlockIndex)
			return true
		}
		if stop, _ := stopFor(start); stop == ev.Type {
			g.closeBlock(ev.BlockIndex)
		}
		g.emit(ev)
		return true
	}

	g.emit(ev)
	return true
}

// Close terminates the stream with terminal, first synthesizing stop events
// for open blocks in the order they were opened. It is a no-op once the
// stream has terminated. A non-terminal argument is replaced by Done.
func (g *Guard) Close(terminal Event) {
	if g.done {
		return
	}
	if !terminal.IsTerminal() {
		g.logger.Warn("closing stream with non-terminal event", "type", terminal.Type)
		terminal = Done(StopEndTurn)
	}
	for _, stop := range g.pendingStops() {
		g.emit(stop)
	}
	g.open = map[int]Event{}
	g.order = nil
	g.done = true
	g.emit(terminal)
}

// Done reports whether the terminal event has been delivered.
func (g *Guard) Done() bool { return g.done }

// OpenBlocks returns the indexes of open blocks in opening order.
func (g *Guard) OpenBlocks() []int { return slices.Clone(g.order) }

// HasOpen reports whether a block of the given start type is open.
func (g *Guard) HasOpen(start EventType) bool {
	for _, ev := range g.open {
		if ev.Type == start {
			return true
		}
	}
	return false
}

func (g *Guard) closeBlock(index int) {
	delete(g.open, index)
	g.order = slices.DeleteFunc(g.order, func(i int) bool { return i == index })
}

func (g *Guard) pendingStops() []Event {
	stops := make([]Event, 0, len(g.order))
	for _, idx := range g.order {
		start := g.open[idx]
		stopType, _ := stopFor(start.Type)
		stop := Event{Type: stopType, BlockIndex: idx}
		if start.Type == TypeToolUseStart {
			stop.Metadata = map[string]any{
				MetaToolUseID:   start.MetaString(MetaToolUseID),
				MetaToolName:    start.MetaString(MetaToolName),
				MetaSynthesized: true,
			}
		} else {
			stop.Metadata = map[string]any{MetaSynthesized: true}
		}
		stops = append(stops, stop)
	}
	return stops
}

// Collect returns an emit function appending to dst, for adapters that
// build event slices.
func Collect(dst *[]Event) func(Event) {
	return func(ev Event) { *dst = append(*dst, ev) }
}
