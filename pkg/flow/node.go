package flow

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/wehubfusion/Colony/pkg/message"
	"github.com/wehubfusion/Colony/pkg/schema"
)

// Func is the body of a node. Returning nil emits nothing; returning a
// *message.Message forwards it; any other value is wrapped with msg.Derive.
type Func func(ctx context.Context, msg *message.Message, fc *Context) (any, error)

// ValidationMode selects which side of a node is validated.
type ValidationMode string

const (
	ValidateBoth ValidationMode = "both"
	ValidateIn   ValidationMode = "in"
	ValidateOut  ValidationMode = "out"
	ValidateNone ValidationMode = "none"
)

func (m ValidationMode) input() bool  { return m == ValidateBoth || m == ValidateIn || m == "" }
func (m ValidationMode) output() bool { return m == ValidateBoth || m == ValidateOut || m == "" }

// Policy controls how a node is invoked.
type Policy struct {
	// Validation selects input/output validation
	Validation ValidationMode `yaml:"validation" json:"validation"`

	// Timeout bounds a single attempt; zero means no timeout
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// MaxRetries is the number of extra attempts after the first failure
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// BackoffBase is the delay before the first retry
	BackoffBase time.Duration `yaml:"backoff_base" json:"backoff_base"`

	// BackoffMult multiplies the delay after every retry
	BackoffMult float64 `yaml:"backoff_mult" json:"backoff_mult"`

	// MaxBackoff caps the delay; zero means uncapped
	MaxBackoff time.Duration `yaml:"max_backoff" json:"max_backoff"`

	// AllowCycle lets the node route to itself
	AllowCycle bool `yaml:"allow_cycle" json:"allow_cycle"`

	// RateLimit caps attempts per second; zero disables limiting
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`

	// RateBurst is the burst allowed by RateLimit
	RateBurst int `yaml:"rate_burst" json:"rate_burst"`
}

// DefaultPolicy returns the policy used when a node does not set one.
func DefaultPolicy() Policy {
	return Policy{
		Validation:  ValidateBoth,
		MaxRetries:  0,
		BackoffBase: 500 * time.Millisecond,
		BackoffMult: 2.0,
	}
}

// Backoff returns the delay before the retry following the given failed attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	mult := p.BackoffMult
	if mult <= 0 {
		mult = 1
	}
	delay := float64(p.BackoffBase) * math.Pow(mult, float64(attempt))
	if p.MaxBackoff > 0 && delay > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Node is an immutable unit of work in a flow.
type Node struct {
	Name   string
	ID     string
	Func   Func
	Policy Policy
	Input  schema.Descriptor
	Output schema.Descriptor

	limiter *rate.Limiter
}

// NodeOption configures a node at construction.
type NodeOption func(*Node)

// WithPolicy sets the invocation policy
func WithPolicy(p Policy) NodeOption {
	return func(n *Node) { n.Policy = p }
}

// WithInput sets the input descriptor
func WithInput(d schema.Descriptor) NodeOption {
	return func(n *Node) { n.Input = d }
}

// WithOutput sets the output descriptor
func WithOutput(d schema.Descriptor) NodeOption {
	return func(n *Node) { n.Output = d }
}

// WithID overrides the generated node id
func WithID(id string) NodeOption {
	return func(n *Node) { n.ID = id }
}

// NewNode builds a node.
func NewNode(name string, fn Func, opts ...NodeOption) *Node {
	n := &Node{
		Name:   name,
		ID:     uuid.NewString(),
		Func:   fn,
		Policy: DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.Policy.RateLimit > 0 {
		burst := max(n.Policy.RateBurst, 1)
		n.limiter = rate.NewLimiter(rate.Limit(n.Policy.RateLimit), burst)
	}
	return n
}

// To declares the node's successors.
func (n *Node) To(successors ...*Node) Adjacency {
	return Adjacency{From: n, To: successors}
}

// NodeSpec is the planner-facing description of a node.
type NodeSpec struct {
	Name   string `json:"name"`
	ID     string `json:"id"`
	Input  string `json:"input,omitempty"`
	Output string `json:"output,omitempty"`
	Policy Policy `json:"policy"`
}

// Spec describes the node
func (n *Node) Spec() NodeSpec {
	spec := NodeSpec{Name: n.Name, ID: n.ID, Policy: n.Policy}
	if n.Input != nil {
		spec.Input = n.Input.Name()
	}
	if n.Output != nil {
		spec.Output = n.Output.Name()
	}
	return spec
}
