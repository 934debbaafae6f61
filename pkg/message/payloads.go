package message

// Reasons a controller loop can be terminated by the runtime.
const (
	ReasonDeadline = "deadline exceeded"
	ReasonTokens   = "token budget exhausted"
	ReasonHops     = "hop budget exhausted"
)

// WorkingState is the payload a controller node loops on. Hops is advanced by
// the runtime on every iteration; TokensUsed is only ever changed by the node.
type WorkingState struct {
	Query        string `json:"query"`
	Facts        []any  `json:"facts,omitempty"`
	Hops         int    `json:"hops"`
	BudgetHops   int    `json:"budget_hops,omitempty"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
	TokensUsed   int    `json:"tokens_used"`
}

// Clone returns a copy with its own facts slice.
func (w *WorkingState) Clone() *WorkingState {
	out := *w
	out.Facts = append([]any(nil), w.Facts...)
	return &out
}

// FinalAnswer terminates a controller loop. Reason is empty when the
// controller finished on its own.
type FinalAnswer struct {
	Text   string `json:"text"`
	Reason string `json:"reason,omitempty"`
	Facts  []any  `json:"facts,omitempty"`
}

// Exhausted reports whether the answer was produced by a budget check.
func (f *FinalAnswer) Exhausted() bool {
	return f.Reason != ""
}

// StreamChunk is one piece of an incremental response. Seq increases by one
// per chunk within a stream; the last chunk carries Done.
type StreamChunk struct {
	StreamID string         `json:"stream_id"`
	Seq      int            `json:"seq"`
	Data     any            `json:"data"`
	Done     bool           `json:"done"`
	Meta     map[string]any `json:"meta,omitempty"`
}
