package flow

import (
	"errors"
	"fmt"
	"strings"

	flowerrors "github.com/wehubfusion/Colony/pkg/errors"
)

var (
	// ErrTraceCancelled is the cancellation cause seen by work of a cancelled trace
	ErrTraceCancelled = flowerrors.ErrTraceCancelled

	// ErrPlaybookTimeout is returned when a nested flow does not answer in time
	ErrPlaybookTimeout = flowerrors.ErrPlaybookTimeout

	// ErrFlowStopped indicates the flow has been stopped
	ErrFlowStopped = errors.New("flow stopped")

	// ErrFlowNotStarted indicates an operation that needs running workers was called before Start
	ErrFlowNotStarted = errors.New("flow not started")

	// ErrFlowAlreadyStarted indicates Start was called twice
	ErrFlowAlreadyStarted = errors.New("flow already started")

	// ErrFloeFull is returned by non-blocking puts on a full floe
	ErrFloeFull = errors.New("floe is full")

	// ErrTraceCapacity is returned by non-blocking emits when a trace has too many pending messages
	ErrTraceCapacity = errors.New("trace pending capacity reached")

	// ErrDuplicateNode indicates two distinct nodes share a name
	ErrDuplicateNode = errors.New("duplicate node name")

	// ErrNoEntryNode indicates a graph without any node reachable from ingress
	ErrNoEntryNode = errors.New("flow has no entry node")

	// ErrUnknownTarget indicates an emit addressed a node that is not a successor
	ErrUnknownTarget = errors.New("unknown emit target")

	// ErrUnknownSource indicates a fetch named a node that is not a predecessor
	ErrUnknownSource = errors.New("unknown fetch source")

	// ErrNoStateStore indicates history was requested from a flow without a state store
	ErrNoStateStore = errors.New("no state store configured")

	// ErrDetached indicates a context handle that is not bound to a running flow
	ErrDetached = errors.New("context is not attached to a flow")
)

// CycleError reports the nodes left over after topological sorting.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("flow contains a cycle through: %s", strings.Join(e.Nodes, ", "))
}
