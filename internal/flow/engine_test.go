package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/runtime/internal/flowgraph"
	"github.com/flowmesh/runtime/internal/flowmsg"
	"github.com/flowmesh/runtime/internal/noderegistry"
	"github.com/flowmesh/runtime/internal/storage"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(noopWriter{})
	return logrus.NewEntry(l)
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestExecCtx(flowID string) *ExecutionContext {
	backend := storage.NewMemory()
	batched := storage.NewBatched(backend, "shard-test", time.Hour)
	return NewExecutionContext("shard-test", flowID, map[string]string{}, batched)
}

// buildEngine registers defs into a fresh registry, initialises an Engine
// over config and returns it ready to Trigger.
func buildEngine(t *testing.T, config *flowgraph.FlowConfig, defs ...noderegistry.Definition) *Engine {
	t.Helper()
	reg := noderegistry.New()
	for _, d := range defs {
		reg.Register(d)
	}
	e := New(reg, config, newTestExecCtx(config.ID), testLogger(), 0)
	require.NoError(t, e.Initialize(context.Background()))
	return e
}

func passthroughDef(typ string) noderegistry.Definition {
	return noderegistry.Definition{
		Type:    typ,
		Inputs:  1,
		Outputs: 1,
		Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
			return in, nil
		},
	}
}

func TestTriggerSingleNodeNoOutput(t *testing.T) {
	config := &flowgraph.FlowConfig{
		ID: "f1",
		Nodes: []flowgraph.NodeConfig{
			{ID: "n1", Type: "sink", Wires: [][]string{{}}},
		},
	}
	var gotPayload any
	def := noderegistry.Definition{
		Type: "sink", Inputs: 1, Outputs: 1,
		Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
			gotPayload = in.Payload()
			return nil, nil
		},
	}
	e := buildEngine(t, config, def)
	resp, err := e.Trigger(context.Background(), "n1", flowmsg.NewWithPayload("hello"))
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, "hello", gotPayload)
}

func TestTriggerChainAndResponse(t *testing.T) {
	config := &flowgraph.FlowConfig{
		ID: "f1",
		Nodes: []flowgraph.NodeConfig{
			{ID: "in", Type: "passthrough", Wires: [][]string{{"resp"}}},
			{ID: "resp", Type: "http-response", Wires: [][]string{}},
		},
	}
	respDef := noderegistry.Definition{
		Type: "http-response", Inputs: 1, Outputs: 0,
		Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
			in.HTTPResponse = &flowmsg.HTTPResponse{StatusCode: 200, Payload: in.Payload()}
			return nil, nil
		},
	}
	e := buildEngine(t, config, passthroughDef("passthrough"), respDef)
	resp, err := e.Trigger(context.Background(), "in", flowmsg.NewWithPayload("world"))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "world", resp.Payload)
}

func TestTriggerFanOutToMultipleTargets(t *testing.T) {
	config := &flowgraph.FlowConfig{
		ID: "f1",
		Nodes: []flowgraph.NodeConfig{
			{ID: "src", Type: "passthrough", Wires: [][]string{{"a", "b"}}},
			{ID: "a", Type: "sink-a", Wires: [][]string{}},
			{ID: "b", Type: "sink-b", Wires: [][]string{}},
		},
	}
	var aMsgID, bMsgID string
	var aPayload, bPayload any
	sinkA := noderegistry.Definition{
		Type: "sink-a", Inputs: 1, Outputs: 0,
		Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
			aMsgID, aPayload = in.MsgID, in.Payload()
			in.SetPayload("mutated-by-a")
			return nil, nil
		},
	}
	sinkB := noderegistry.Definition{
		Type: "sink-b", Inputs: 1, Outputs: 0,
		Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
			bMsgID, bPayload = in.MsgID, in.Payload()
			return nil, nil
		},
	}
	e := buildEngine(t, config, passthroughDef("passthrough"), sinkA, sinkB)
	in := flowmsg.NewWithPayload("shared")
	_, err := e.Trigger(context.Background(), "src", in)
	require.NoError(t, err)

	assert.Equal(t, in.MsgID, aMsgID)
	assert.Equal(t, in.MsgID, bMsgID)
	assert.Equal(t, "shared", aPayload)
	assert.Equal(t, "shared", bPayload, "a's mutation must not be observed by b (message independence)")
}

func TestTriggerErrorContainedAndCaught(t *testing.T) {
	config := &flowgraph.FlowConfig{
		ID: "f1",
		Nodes: []flowgraph.NodeConfig{
			{ID: "boom", Type: "boom", Wires: [][]string{{"never"}}},
			{ID: "never", Type: "never", Wires: [][]string{}},
			{ID: "catch1", Type: "catch", Wires: [][]string{{"sink"}}},
			{ID: "sink", Type: "sink", Wires: [][]string{}},
		},
	}
	boom := noderegistry.Definition{
		Type: "boom", Inputs: 1, Outputs: 1,
		Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
			return nil, errors.New("kaboom")
		},
	}
	var neverCalled bool
	never := noderegistry.Definition{
		Type: "never", Inputs: 1, Outputs: 0,
		Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
			neverCalled = true
			return nil, nil
		},
	}
	catchDef := noderegistry.Definition{
		Type: "catch", Inputs: 0, Outputs: 1,
		Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
			return in, nil
		},
	}
	var caughtSource string
	sink := noderegistry.Definition{
		Type: "sink", Inputs: 1, Outputs: 0,
		Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
			if in.Err != nil {
				caughtSource = in.Err.Source
			}
			return nil, nil
		},
	}
	e := buildEngine(t, config, boom, never, catchDef, sink)
	_, err := e.Trigger(context.Background(), "boom", flowmsg.New())
	require.NoError(t, err)

	assert.False(t, neverCalled, "downstream of a failing node must not run")
	assert.Equal(t, "boom", caughtSource, "catch node should observe the failing node's id")
}

func TestTriggerPanicContained(t *testing.T) {
	config := &flowgraph.FlowConfig{
		ID: "f1",
		Nodes: []flowgraph.NodeConfig{
			{ID: "n1", Type: "panicky", Wires: [][]string{{}}},
		},
	}
	def := noderegistry.Definition{
		Type: "panicky", Inputs: 1, Outputs: 1,
		Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
			panic("node exploded")
		},
	}
	e := buildEngine(t, config, def)
	resp, err := e.Trigger(context.Background(), "n1", flowmsg.New())
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestTriggerCeilingStopsCycle(t *testing.T) {
	config := &flowgraph.FlowConfig{
		ID: "f1",
		Nodes: []flowgraph.NodeConfig{
			{ID: "loop", Type: "loop", Wires: [][]string{{"loop"}}},
		},
	}
	var calls int
	def := noderegistry.Definition{
		Type: "loop", Inputs: 1, Outputs: 1,
		Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
			calls++
			return in, nil
		},
	}
	reg := noderegistry.New()
	reg.Register(def)
	e := New(reg, config, newTestExecCtx(config.ID), testLogger(), 25)
	require.NoError(t, e.Initialize(context.Background()))

	_, err := e.Trigger(context.Background(), "loop", flowmsg.New())
	require.NoError(t, err)
	assert.LessOrEqual(t, calls, 25)
	assert.Greater(t, calls, 0)
}

func TestUnknownNodeTypeSkippedAtInitialize(t *testing.T) {
	config := &flowgraph.FlowConfig{
		ID: "f1",
		Nodes: []flowgraph.NodeConfig{
			{ID: "n1", Type: "unregistered", Wires: [][]string{}},
		},
	}
	e := buildEngine(t, config)
	_, ok := e.Instance("n1")
	assert.False(t, ok)
}

func TestCloseDrainsInflight(t *testing.T) {
	config := &flowgraph.FlowConfig{
		ID: "f1",
		Nodes: []flowgraph.NodeConfig{
			{ID: "n1", Type: "sink", Wires: [][]string{{}}},
		},
	}
	var closed bool
	def := noderegistry.Definition{
		Type: "sink", Inputs: 1, Outputs: 1,
		Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
			return nil, nil
		},
		OnClose: func(ctx context.Context, h noderegistry.NodeHandle) error {
			closed = true
			return nil
		},
	}
	e := buildEngine(t, config, def)
	_, err := e.Trigger(context.Background(), "n1", flowmsg.New())
	require.NoError(t, err)
	require.NoError(t, e.Close(context.Background()))
	assert.True(t, closed)
}
