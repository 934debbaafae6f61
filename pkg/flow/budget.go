package flow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Colony/pkg/message"
)

// enforceBudget applies the controller budgets to a working state returned
// by a node. Checks run in order deadline, tokens, hops; the first one that
// fails turns the output into a FinalAnswer.
func (f *Flow) enforceBudget(nr *nodeRuntime, in, out *message.Message, ws *message.WorkingState, ts *traceState) *message.Message {
	if out.Expired(time.Now()) {
		return out.Derive(f.exhausted(nr.node, in, ws, message.ReasonDeadline))
	}
	if ws.BudgetTokens > 0 && ws.TokensUsed >= ws.BudgetTokens {
		return out.Derive(f.exhausted(nr.node, in, ws, message.ReasonTokens))
	}

	incoming := 0
	if prev, ok := workingState(in.Payload); ok {
		incoming = prev.Hops
	}
	next := f.traces.advanceHops(ts, incoming, ws.Hops, ws.TokensUsed)

	state := ws.Clone()
	state.Hops = next
	if state.BudgetHops > 0 && next >= state.BudgetHops {
		return out.Derive(f.exhausted(nr.node, in, state, message.ReasonHops))
	}

	return out.Derive(state)
}

func (f *Flow) exhausted(node *Node, in *message.Message, ws *message.WorkingState, reason string) *message.FinalAnswer {
	f.events.emit(context.Background(), Event{
		Type:     EventBudgetExhausted,
		TraceID:  in.TraceID,
		NodeName: node.Name,
		NodeID:   node.ID,
		Fields:   map[string]any{"reason": reason, "hops": ws.Hops, "tokens_used": ws.TokensUsed},
	})
	f.logger.Info("Controller budget exhausted",
		zap.String("node", node.Name),
		zap.String("trace_id", in.TraceID),
		zap.String("reason", reason),
		zap.Int("hops", ws.Hops))
	return &message.FinalAnswer{
		Text:   fmt.Sprintf("%s after %d hops", reason, ws.Hops),
		Reason: reason,
		Facts:  append([]any(nil), ws.Facts...),
	}
}
