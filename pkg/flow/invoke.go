package flow

import (
	"context"

	"github.com/wehubfusion/Colony/pkg/message"
)

// Invoke runs one node outside of any flow with the node's full policy:
// validation, timeout and retries. Options supply the logger, observers and
// tracer; queue settings are ignored. A *message.Message payload is used as
// the envelope, anything else is wrapped in a new one. The node's Context
// is detached, so emits and fetches fail with ErrDetached.
func Invoke(ctx context.Context, node *Node, payload any, opts ...Option) (any, error) {
	o := buildOptions(opts)
	events := &dispatcher{observers: o.Observers, store: o.StateStore, logger: o.Logger}
	r := newRunner(events, o.TracerProvider.Tracer("colony/flow"), o.Logger)

	msg, ok := payload.(*message.Message)
	if !ok {
		msg = message.New(payload, message.Headers{})
	}
	msg.EnsureTraceID()

	return r.run(ctx, node, msg, &Context{msg: msg})
}
