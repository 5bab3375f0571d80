// Package sandbox runs a function node's user-supplied JavaScript body in a
// fresh Goja runtime per invocation: no state carries over between calls,
// matching the "no state carryover" requirement for the function node (§4.M).
package sandbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/dop251/goja"

	"github.com/flowmesh/runtime/internal/flowmsg"
	"github.com/flowmesh/runtime/internal/noderegistry"
)

// Run executes source as a function-node body against msg, returning the
// exported JavaScript value converted into standard node-output shape
// (§4.D): undefined/null yields nil (consumed); a plain value or object
// becomes a single message on output 0; on a node with more than one
// output, a JS array no longer than the output count is treated as one
// slot per output (an
// element may itself be an array of values, fanning out several messages
// through that output, or null/undefined for nothing on that output) —
// otherwise the array is itself the output-0 payload.
//
// The bound globals are:
//   - msg: the input message's payload plus msg_id/topic, read-only snapshot
//   - flow, global: {get(key), set(key, value)} backed by the node's
//     ExecutionContext scopes
//   - env: a plain object of the process environment dictionary
//   - console: log/info/warn/error, captured and attached to the node's log
//     sink rather than the host process's stdout
func Run(ctx context.Context, source string, handle noderegistry.NodeHandle, msg *flowmsg.Message, env map[string]string) (any, error) {
	rt := goja.New()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			rt.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	if err := bindGlobals(rt, handle, msg, env); err != nil {
		return nil, fmt.Errorf("function node: bind globals: %w", err)
	}

	script := fmt.Sprintf(`(function() {
	const __entry = (%s);
	if (typeof __entry === 'function') {
		return __entry(msg, flow, global, env);
	}
	return __entry;
})();`, source)

	val, err := rt.RunString(script)
	if err != nil {
		return nil, runtimeError(err, ctx)
	}

	val, err = resolveValue(ctx, val)
	if err != nil {
		return nil, runtimeError(err, ctx)
	}

	outputCount := len(handle.Config().Wires)
	return toOutput(msg, val, outputCount)
}

func bindGlobals(rt *goja.Runtime, handle noderegistry.NodeHandle, msg *flowmsg.Message, env map[string]string) error {
	if err := attachConsole(rt, handle); err != nil {
		return err
	}
	msgView := map[string]any{
		"msg_id":  msg.MsgID,
		"topic":   msg.Topic,
		"payload": msg.Payload(),
	}
	if err := rt.Set("msg", msgView); err != nil {
		return err
	}
	if err := rt.Set("env", envObject(env)); err != nil {
		return err
	}
	if err := rt.Set("flow", scopeObject(rt, handle.Context().FlowGet, handle.Context().FlowSet)); err != nil {
		return err
	}
	if err := rt.Set("global", scopeObject(rt, handle.Context().GlobalGet, handle.Context().GlobalSet)); err != nil {
		return err
	}
	return nil
}

func envObject(env map[string]string) map[string]any {
	out := make(map[string]any, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

// scopeObject builds a {get, set} JS object backed by the node's scoped KV
// store; KV operations are synchronous from the script's point of view,
// using context.Background() since the node body has no cancellable
// deadline of its own beyond the sandbox interrupt above.
func scopeObject(rt *goja.Runtime, get func(context.Context, string) (any, bool, error), set func(context.Context, string, any) error) map[string]any {
	return map[string]any{
		"get": func(call goja.FunctionCall) goja.Value {
			key := call.Argument(0).String()
			v, ok, err := get(context.Background(), key)
			if err != nil {
				panic(rt.ToValue(err.Error()))
			}
			if !ok {
				return goja.Undefined()
			}
			return rt.ToValue(v)
		},
		"set": func(call goja.FunctionCall) goja.Value {
			key := call.Argument(0).String()
			if err := set(context.Background(), key, call.Argument(1).Export()); err != nil {
				panic(rt.ToValue(err.Error()))
			}
			return goja.Undefined()
		},
	}
}

func attachConsole(rt *goja.Runtime, handle noderegistry.NodeHandle) error {
	console := rt.NewObject()
	logFn := func(level func(args ...any)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			args := make([]any, len(call.Arguments))
			for i, a := range call.Arguments {
				args[i] = a.Export()
			}
			level(args...)
			return goja.Undefined()
		}
	}
	if err := console.Set("log", logFn(handle.Log)); err != nil {
		return err
	}
	if err := console.Set("info", logFn(handle.Log)); err != nil {
		return err
	}
	if err := console.Set("warn", logFn(handle.Warn)); err != nil {
		return err
	}
	if err := console.Set("error", logFn(func(args ...any) { handle.Error(nil, args...) })); err != nil {
		return err
	}
	return rt.Set("console", console)
}

func exportedPromise(val goja.Value) (*goja.Promise, bool) {
	exported := val.Export()
	if exported == nil {
		return nil, false
	}
	p, ok := exported.(*goja.Promise)
	return p, ok
}

// resolveValue waits synchronously for a returned promise to settle. Goja
// promises driven entirely by synchronous script code settle before
// RunString returns, so no event-loop pump is needed here (unlike a runtime
// that also exposes setTimeout/fetch, which this sandbox deliberately does
// not bind).
func resolveValue(ctx context.Context, val goja.Value) (goja.Value, error) {
	if promise, ok := exportedPromise(val); ok {
		switch promise.State() {
		case goja.PromiseStateFulfilled:
			return promise.Result(), nil
		case goja.PromiseStateRejected:
			return nil, promiseRejectionError(promise.Result())
		case goja.PromiseStatePending:
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("function returned a promise that did not settle")
		}
	}
	return val, nil
}

func promiseRejectionError(reason goja.Value) error {
	if reason == nil {
		return errors.New("promise rejected")
	}
	if exported := reason.Export(); exported != nil {
		if err, ok := exported.(error); ok {
			return err
		}
		return fmt.Errorf("promise rejected: %v", exported)
	}
	return fmt.Errorf("promise rejected: %s", reason.String())
}

func runtimeError(err error, ctx context.Context) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("function node: %w", ctxErr)
	}
	switch typed := err.(type) {
	case *goja.InterruptedError:
		if val := typed.Value(); val != nil {
			if inner, ok := val.(error); ok {
				return fmt.Errorf("function node: %w", inner)
			}
			return fmt.Errorf("function node: %v", val)
		}
		return errors.New("function node: interrupted")
	case *goja.Exception:
		return fmt.Errorf("function node: %s", typed.Error())
	default:
		return fmt.Errorf("function node: %w", err)
	}
}

// toOutput converts the script's return value into the standard node-output
// shape an Engine.Execute caller expects from normalizeOutputs (§4.D): nil,
// a single *flowmsg.Message, or an []any with one slot per declared output.
func toOutput(in *flowmsg.Message, val goja.Value, outputCount int) (any, error) {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	exported := val.Export()
	if slots, ok := exported.([]any); ok && outputCount > 1 && len(slots) <= outputCount {
		result := make([]any, len(slots))
		for i, slot := range slots {
			result[i] = toOutputSlot(in, slot)
		}
		return result, nil
	}
	return toMessage(in, exported), nil
}

// toOutputSlot converts one element of a multi-output return array: nil
// means nothing on that output, a nested slice fans out several messages
// through it, and anything else becomes a single message's payload.
func toOutputSlot(in *flowmsg.Message, slot any) any {
	if slot == nil {
		return nil
	}
	if elems, ok := slot.([]any); ok {
		out := make([]any, len(elems))
		for i, el := range elems {
			out[i] = toMessage(in, el)
		}
		return out
	}
	return toMessage(in, slot)
}

// toMessage clones in with payload replaced by val, preserving
// msg_id/topic/parts/error from in per the data model (a function node does
// not re-identify the message).
func toMessage(in *flowmsg.Message, val any) *flowmsg.Message {
	out := in.Clone()
	out.SetPayload(val)
	return out
}
