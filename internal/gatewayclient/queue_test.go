package gatewayclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NoPKT/AgentIM-sub003/internal/protocol"
)

func frame(t protocol.Type) protocol.Frame {
	return protocol.Frame{Type: t}
}

func TestQueue_EnqueueWithinCapacity(t *testing.T) {
	q := NewQueue(10, nil, zap.NewNop())
	q.Enqueue(frame(protocol.TypeGatewayAgentStatus))
	q.Enqueue(frame(protocol.TypeGatewayTerminalData))
	assert.Equal(t, 2, q.Len())
}

func TestQueue_CriticalEvictsOldestNormal(t *testing.T) {
	var dropped []protocol.Frame
	q := NewQueue(1, func(f protocol.Frame) { dropped = append(dropped, f) }, zap.NewNop())

	q.Enqueue(frame(protocol.TypeGatewayTerminalData)) // normal, fills the queue
	require.Equal(t, 1, q.Len())

	q.Enqueue(frame(protocol.TypeGatewayAuth)) // critical, should evict the normal entry
	require.Equal(t, 1, q.Len())
	require.Len(t, dropped, 1)
	assert.Equal(t, protocol.TypeGatewayTerminalData, dropped[0].Type)

	batch, ok := q.Flush()
	require.True(t, ok)
	require.Len(t, batch, 1)
	assert.Equal(t, protocol.TypeGatewayAuth, batch[0].Type)
}

func TestQueue_HighDropsWhenNoNormalToEvict(t *testing.T) {
	var dropped []protocol.Frame
	q := NewQueue(1, func(f protocol.Frame) { dropped = append(dropped, f) }, zap.NewNop())

	q.Enqueue(frame(protocol.TypeGatewayAgentStatus)) // high, fills the queue
	q.Enqueue(frame(protocol.TypeGatewayMessageChunk)) // high, nothing to evict -> dropped

	require.Len(t, dropped, 1)
	assert.Equal(t, protocol.TypeGatewayMessageChunk, dropped[0].Type)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_NormalDropsImmediatelyOutsideRetrySet(t *testing.T) {
	var dropped []protocol.Frame
	q := NewQueue(1, func(f protocol.Frame) { dropped = append(dropped, f) }, zap.NewNop())

	q.Enqueue(frame(protocol.TypeGatewayTerminalData))
	q.Enqueue(frame(protocol.TypeGatewayTaskUpdate)) // normal, not in retry-on-drop set

	require.Len(t, dropped, 1)
	assert.Equal(t, protocol.TypeGatewayTaskUpdate, dropped[0].Type)
}

func TestQueue_FlushReentrantGuard(t *testing.T) {
	q := NewQueue(10, nil, zap.NewNop())
	q.Enqueue(frame(protocol.TypeGatewayAgentStatus))

	batch, ok := q.Flush()
	require.True(t, ok)
	require.Len(t, batch, 1)

	_, ok = q.Flush()
	assert.False(t, ok, "a second concurrent flush must be refused")

	q.EndFlush()
	q.Enqueue(frame(protocol.TypeGatewayTerminalData))
	batch, ok = q.Flush()
	require.True(t, ok)
	require.Len(t, batch, 1)
}

func TestQueue_PutBackPrependsRemainder(t *testing.T) {
	q := NewQueue(10, nil, zap.NewNop())
	batch, ok := q.Flush()
	require.True(t, ok)
	require.Empty(t, batch)

	q.PutBack([]protocol.Frame{frame(protocol.TypeGatewayAgentStatus), frame(protocol.TypeGatewayTerminalData)})
	q.Enqueue(frame(protocol.TypeGatewayMessageComplete))

	out, ok := q.Flush()
	require.True(t, ok)
	// critical/high/normal ordering: message_complete is high priority,
	// agent_status is high priority (both enqueued before, preserved FIFO
	// within the class), terminal_data is normal.
	require.Len(t, out, 3)
	assert.Equal(t, protocol.TypeGatewayTerminalData, out[2].Type)
}
