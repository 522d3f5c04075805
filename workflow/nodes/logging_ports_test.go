package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggingPorts_RecordsCalls(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ports := LoggingPorts(zap.New(core))

	assert.Nil(t, ports.AIChat)
	assert.Nil(t, ports.HTTP)
	assert.Nil(t, ports.Data)

	out, err := ports.Message.Dispatch(context.Background(), map[string]any{"to": "u1", "content": "hi"})
	require.NoError(t, err)
	assert.Equal(t, true, out["accepted"])
	assert.Equal(t, "dispatch", out["op"])

	_, err = ports.Staff.Handover(context.Background(), nil)
	require.NoError(t, err)

	entries := logs.FilterMessage("port call").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "dispatch", entries[0].ContextMap()["op"])
	assert.Equal(t, []any{"content", "to"}, entries[0].ContextMap()["fields"])
	assert.Equal(t, "handover", entries[1].ContextMap()["op"])
}

func TestLoggingPorts_DrivesMultiTaskFlow(t *testing.T) {
	r := NewRegistry(LoggingPorts(nil))
	final := runSupportFlow(t, r, map[string]any{"message": "hello there"})

	assert.Equal(t, false, final.Result["hasFailure"])
	assert.Equal(t, []string{"start", "receive", "intent", "fanout", "end"}, final.ExecutionPath)
}
