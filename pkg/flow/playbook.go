package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	flowerrors "github.com/wehubfusion/Colony/pkg/errors"
	"github.com/wehubfusion/Colony/pkg/message"
)

// PlaybookFactory builds a fresh nested flow. It is called once per
// invocation; the flow it returns must not have been started.
type PlaybookFactory func() (*Flow, error)

type playbookConfig struct {
	timeout time.Duration
}

// PlaybookOption configures a playbook call
type PlaybookOption func(*playbookConfig)

// WithPlaybookTimeout bounds how long the call waits for the nested result.
func WithPlaybookTimeout(d time.Duration) PlaybookOption {
	return func(c *playbookConfig) { c.timeout = d }
}

// CallPlaybook runs a nested flow as a single call. The nested flow gets the
// trace id, headers, deadline and meta of parent; the payload of its first
// Rookery message is returned. The nested flow is stopped on every return
// path. An error record produced inside the nested flow is returned as the
// error that caused it.
func CallPlaybook(ctx context.Context, factory PlaybookFactory, parent *message.Message, opts ...PlaybookOption) (any, error) {
	return callPlaybook(ctx, factory, parent, nil, opts)
}

func callPlaybook(ctx context.Context, factory PlaybookFactory, parent *message.Message, cancelled <-chan struct{}, opts []PlaybookOption) (any, error) {
	if parent == nil {
		return nil, fmt.Errorf("call playbook: nil parent message")
	}
	if isClosed(cancelled) || errors.Is(context.Cause(ctx), ErrTraceCancelled) {
		return nil, ErrTraceCancelled
	}

	var cfg playbookConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	child, err := factory()
	if err != nil {
		return nil, fmt.Errorf("build playbook: %w", err)
	}
	child.surfaceErrors.Store(true)
	if err := child.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("start playbook: %w", err)
	}
	defer stopPlaybook(ctx, child)

	msg := parent.Derive(parent.Payload)

	watchCtx, stopWatch := context.WithCancel(ctx)
	watching := make(chan struct{})
	go func() {
		defer close(watching)
		select {
		case <-cancelled:
		case <-watchCtx.Done():
			// A trace cancel closes cancelled before it cancels ctx.
			if !isClosed(cancelled) {
				return
			}
		}
		cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), child.opts.StopTimeout)
		defer cancel()
		child.Cancel(cancelCtx, msg.TraceID)
	}()
	defer func() {
		stopWatch()
		<-watching
	}()

	callCtx := ctx
	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeoutCause(ctx, cfg.timeout, ErrPlaybookTimeout)
		defer cancel()
	}

	out, err := roundTrip(callCtx, child, msg)
	if err != nil {
		switch {
		case isClosed(cancelled):
			return nil, ErrTraceCancelled
		case ctx.Err() != nil:
			return nil, context.Cause(ctx)
		case errors.Is(context.Cause(callCtx), ErrPlaybookTimeout):
			return nil, fmt.Errorf("playbook after %s: %w", cfg.timeout, ErrPlaybookTimeout)
		}
		return nil, err
	}

	if fe, ok := out.Payload.(*flowerrors.FlowError); ok {
		if fe.Err != nil {
			return nil, fe.Err
		}
		return nil, fe
	}
	return out.Payload, nil
}

func roundTrip(ctx context.Context, child *Flow, msg *message.Message) (*message.Message, error) {
	if err := child.Emit(ctx, msg); err != nil {
		return nil, err
	}
	return child.Fetch(ctx)
}

// stopPlaybook stops the nested flow even when ctx is already done.
func stopPlaybook(ctx context.Context, child *Flow) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), child.opts.StopTimeout)
	defer cancel()
	if err := child.Stop(stopCtx); err != nil {
		child.logger.Warn("Playbook did not stop cleanly",
			zap.Int("active_workers", child.ActiveWorkers()),
			zap.Error(err))
	}
}

func isClosed(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
