package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
)

// Function is an idempotent version of a typed function, built by Wrap.
type Function[In, Out any] struct {
	orchestrator *Orchestrator
	fn           func(context.Context, In) (Out, error)
	payload      func(In) any
}

// Wrap routes every call of fn through o. By default the whole input is the payload keyed on;
// use WithPayload to select part of it. Results round-trip through JSON, so Out must be
// JSON-serializable and a fresh result is returned exactly as a replay would return it.
//
// The returned Function's Invoke method has fn's signature and can be handed to
// lambda.Start directly:
//
//	lambda.Start(idempotency.Wrap(orch, handle).Invoke)
func Wrap[In, Out any](o *Orchestrator, fn func(context.Context, In) (Out, error)) *Function[In, Out] {
	return &Function[In, Out]{
		orchestrator: o,
		fn:           fn,
		payload:      func(in In) any { return in },
	}
}

// WithPayload returns a copy of f that keys on selector(in) instead of the whole input.
func (f *Function[In, Out]) WithPayload(selector func(In) any) *Function[In, Out] {
	c := *f
	c.payload = selector
	return &c
}

// Orchestrator returns the orchestrator f executes through.
func (f *Function[In, Out]) Orchestrator() *Orchestrator { return f.orchestrator }

// Invoke calls the wrapped function idempotently. The remaining invocation time is taken from
// ctx's deadline.
func (f *Function[In, Out]) Invoke(ctx context.Context, in In) (Out, error) {
	var out Out
	data, err := f.orchestrator.Execute(ctx, f.payload(in), func(ctx context.Context) (json.RawMessage, error) {
		res, err := f.fn(ctx, in)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("idempotency: encode response: %w", err)
		}
		return b, nil
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("idempotency: decode response: %w", err)
	}
	return out, nil
}
