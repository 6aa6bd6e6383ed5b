package agentstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func types(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestGuard_PassesWellFormedStream(t *testing.T) {
	t.Parallel()
	var got []Event
	g := NewGuard(Collect(&got), nil)

	g.Emit(TextStart(0))
	g.Emit(TextDelta(0, "hi"))
	g.Emit(TextStop(0))
	g.Emit(UsageEvent(Usage{InputTokens: 3, OutputTokens: 1}))
	assert.False(t, g.Emit(Done(StopEndTurn)))

	assert.Equal(t, []EventType{TypeTextStart, TypeTextDelta, TypeTextStop, TypeUsage, TypeDone}, types(got))
	assert.True(t, g.Done())
}

func TestGuard_SynthesizesStopsInOpenOrder(t *testing.T) {
	t.Parallel()
	var got []Event
	g := NewGuard(Collect(&got), nil)

	g.Emit(ThinkingStart(0))
	g.Emit(ToolUseStart(1, "toolu_1", "Bash"))
	g.Emit(ToolUseDelta(1, `{"command":`))
	g.Close(ErrorEvent(ErrorTimeout, "idle timeout"))

	require.Len(t, got, 6)
	assert.Equal(t, TypeThinkingStop, got[3].Type)
	assert.Equal(t, 0, got[3].BlockIndex)
	assert.Equal(t, TypeToolUseStop, got[4].Type)
	assert.Equal(t, 1, got[4].BlockIndex)
	assert.Equal(t, "toolu_1", got[4].MetaString(MetaToolUseID))
	assert.Equal(t, true, got[4].Meta(MetaSynthesized))
	assert.Equal(t, TypeError, got[5].Type)
}

func TestGuard_ExactlyOneTerminal(t *testing.T) {
	t.Parallel()
	var got []Event
	g := NewGuard(Collect(&got), nil)

	g.Emit(ErrorEvent(ErrorProvider, "boom"))
	g.Emit(Done(StopEndTurn))
	g.Close(Done(StopEndTurn))
	g.Emit(TextStart(0))

	require.Len(t, got, 1)
	assert.Equal(t, TypeError, got[0].Type)
}

func TestGuard_DropsDeltaForUnopenedBlock(t *testing.T) {
	t.Parallel()
	var got []Event
	g := NewGuard(Collect(&got), nil)

	g.Emit(ToolUseDelta(2, `{}`))
	g.Emit(TextStart(0))
	g.Emit(ThinkingDelta(0, "mismatched kind"))
	g.Emit(TextStop(1))

	assert.Equal(t, []EventType{TypeTextStart}, types(got))
	assert.Equal(t, []int{0}, g.OpenBlocks())
}

func TestGuard_RejectsReopeningOpenIndex(t *testing.T) {
	t.Parallel()
	var got []Event
	g := NewGuard(Collect(&got), nil)

	g.Emit(TextStart(0))
	g.Emit(ThinkingStart(0))
	g.Emit(TextStop(0))
	g.Emit(ThinkingStart(0))

	assert.Equal(t, []EventType{TypeTextStart, TypeTextStop, TypeThinkingStart}, types(got))
	assert.True(t, g.HasOpen(TypeThinkingStart))
	assert.False(t, g.HasOpen(TypeToolUseStart))
}

func TestGuard_CloseWithNonTerminalBecomesDone(t *testing.T) {
	t.Parallel()
	var got []Event
	g := NewGuard(Collect(&got), nil)

	g.Close(TextStart(0))

	require.Len(t, got, 1)
	assert.Equal(t, TypeDone, got[0].Type)
	assert.Equal(t, StopEndTurn, got[0].MetaString(MetaStopReason))
}
