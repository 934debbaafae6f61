package observe

import (
	"context"
	"fmt"

	"github.com/getsentry/sentry-go"

	flowerrors "github.com/wehubfusion/Colony/pkg/errors"
	"github.com/wehubfusion/Colony/pkg/flow"
)

// SentryObserver reports error records (node_failed events) to Sentry.
// Retries, timeouts of single attempts and cancellations are not reported.
type SentryObserver struct {
	hub *sentry.Hub
}

var _ flow.Observer = (*SentryObserver)(nil)

// NewSentryObserver reports through hub; nil uses the current hub.
func NewSentryObserver(hub *sentry.Hub) *SentryObserver {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &SentryObserver{hub: hub}
}

func (o *SentryObserver) OnEvent(_ context.Context, ev flow.Event) {
	if ev.Type != flow.EventNodeFailed || ev.Err == nil {
		return
	}

	o.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("node", ev.NodeName)
		scope.SetTag("trace_id", ev.TraceID)
		scope.SetTag("code", flowerrors.Categorize(ev.Err))
		scope.SetFingerprint([]string{"colony", ev.NodeName, flowerrors.Categorize(ev.Err)})

		extra := map[string]any{"attempt": ev.Attempt, "node_id": ev.NodeID}
		if fe, ok := ev.FlowError(); ok {
			for k, v := range fe.Metadata {
				extra[k] = fmt.Sprint(v)
			}
		}
		scope.SetContext("flow", extra)

		o.hub.CaptureException(ev.Err)
	})
}
