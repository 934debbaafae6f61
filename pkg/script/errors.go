package script

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// Kind categorizes script failures
type Kind string

const (
	KindSyntax   Kind = "syntax_error"
	KindRuntime  Kind = "runtime_error"
	KindTimeout  Kind = "timeout_error"
	KindSecurity Kind = "security_error"
	KindInternal Kind = "internal_error"
)

// Error is a structured script failure.
type Error struct {
	Kind    Kind
	Script  string
	Message string
	Stack   string
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] script %s: %s", e.Kind, e.Script, e.Message)
	if e.Stack != "" {
		b.WriteString("\n")
		b.WriteString(e.Stack)
	}
	return b.String()
}

func fromException(name string, exc *goja.Exception) *Error {
	e := &Error{Kind: KindRuntime, Script: name, Message: exc.Error()}
	if v := exc.Value(); v != nil {
		if obj, ok := v.(*goja.Object); ok {
			if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
				e.Message = msg.String()
			}
			if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
				e.Stack = stack.String()
			}
		} else {
			e.Message = v.String()
		}
	}

	lower := strings.ToLower(e.Message)
	switch {
	case strings.Contains(lower, "not allowed"):
		e.Kind = KindSecurity
	case strings.Contains(lower, "syntaxerror"):
		e.Kind = KindSyntax
	}
	return e
}
