// Package script turns JavaScript sources into flow nodes.
//
// A script defines a top-level function
//
//	function process(payload, meta, ctx) { ... }
//
// which receives the message payload, a copy of its meta and a small object
// with the trace id, tenant and node name. The returned value becomes the
// node output; returning undefined or null emits nothing. The source is
// compiled once, and every invocation runs in a fresh sandboxed runtime that
// is interrupted when the attempt's context ends.
package script

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/dop251/goja"

	"github.com/wehubfusion/Colony/pkg/flow"
	"github.com/wehubfusion/Colony/pkg/message"
)

// EntryPoint is the function every script must define
const EntryPoint = "process"

type config struct {
	level       SecurityLevel
	nodeOptions []flow.NodeOption
}

// Option configures a script node
type Option func(*config)

// WithSecurityLevel selects how much of the runtime is locked down
func WithSecurityLevel(level SecurityLevel) Option {
	return func(c *config) { c.level = level }
}

// WithNodeOptions passes options through to flow.NewNode
func WithNodeOptions(opts ...flow.NodeOption) Option {
	return func(c *config) { c.nodeOptions = append(c.nodeOptions, opts...) }
}

// NewNode compiles source and wraps it in a node with the given policy.
func NewNode(name, source string, policy flow.Policy, opts ...Option) (*flow.Node, error) {
	cfg := config{level: SecurityLevelStandard}
	for _, opt := range opts {
		opt(&cfg)
	}

	prog, err := Compile(name, source)
	if err != nil {
		return nil, err
	}

	s := &runner{name: name, prog: prog, sandbox: NewSandbox(cfg.level)}
	nodeOpts := append([]flow.NodeOption{flow.WithPolicy(policy)}, cfg.nodeOptions...)
	return flow.NewNode(name, s.process, nodeOpts...), nil
}

// Compile parses source without running it.
func Compile(name, source string) (*goja.Program, error) {
	prog, err := goja.Compile(name, source, true)
	if err != nil {
		var syntaxErr *goja.CompilerSyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, &Error{Kind: KindSyntax, Script: name, Message: syntaxErr.Error()}
		}
		return nil, fmt.Errorf("compile script %s: %w", name, err)
	}
	return prog, nil
}

type runner struct {
	name    string
	prog    *goja.Program
	sandbox *Sandbox
}

func (s *runner) process(ctx context.Context, msg *message.Message, fc *flow.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := s.sandbox.Apply(vm); err != nil {
		return nil, &Error{Kind: KindInternal, Script: s.name, Message: err.Error()}
	}
	if err := registerHelpers(vm, fc); err != nil {
		return nil, &Error{Kind: KindInternal, Script: s.name, Message: err.Error()}
	}

	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(context.Cause(ctx))
	})
	defer stop()

	if _, err := vm.RunProgram(s.prog); err != nil {
		return nil, s.translate(ctx, err)
	}

	fn, ok := goja.AssertFunction(vm.Get(EntryPoint))
	if !ok {
		return nil, &Error{Kind: KindRuntime, Script: s.name, Message: "script does not define function " + EntryPoint}
	}

	meta := make(map[string]any, len(msg.Meta))
	maps.Copy(meta, msg.Meta)
	info := map[string]any{
		"trace_id": msg.TraceID,
		"tenant":   msg.Headers.Tenant,
		"topic":    msg.Headers.Topic,
		"node":     s.name,
	}

	value, err := fn(goja.Undefined(), vm.ToValue(msg.Payload), vm.ToValue(meta), vm.ToValue(info))
	if err != nil {
		return nil, s.translate(ctx, err)
	}
	if goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}

func (s *runner) translate(ctx context.Context, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return &Error{Kind: KindTimeout, Script: s.name, Message: interrupted.Error()}
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		return fromException(s.name, exc)
	}
	return &Error{Kind: KindInternal, Script: s.name, Message: err.Error()}
}
