package harness

import (
	"fmt"
	"strings"
)

// TraceEvent records the outcome of one step.
type TraceEvent struct {
	Step   int    `json:"step"`
	Peer   string `json:"peer"`
	Op     string `json:"op"`
	Detail string `json:"detail"`
}

func (e TraceEvent) String() string {
	return fmt.Sprintf("%d %s %s %s", e.Step, e.Peer, e.Op, e.Detail)
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step and assertion held.
	Pass bool `json:"pass"`

	// Trace has one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds failed expectations and assertions.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addTrace(step int, peer, op, detail string) {
	r.Trace = append(r.Trace, TraceEvent{Step: step, Peer: peer, Op: op, Detail: detail})
}

// TraceText renders the trace one event per line.
func (r *Result) TraceText() string {
	var b strings.Builder
	for _, e := range r.Trace {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}
