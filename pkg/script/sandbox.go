package script

import (
	"fmt"

	"github.com/dop251/goja"
)

// SecurityLevel selects the sandbox restrictions
type SecurityLevel string

const (
	// SecurityLevelPermissive only removes host globals
	SecurityLevelPermissive SecurityLevel = "permissive"
	// SecurityLevelStandard also freezes the built-in objects
	SecurityLevelStandard SecurityLevel = "standard"
	// SecurityLevelStrict also disables eval and the global Function constructor
	SecurityLevelStrict SecurityLevel = "strict"
)

var hostGlobals = []string{
	"require",
	"module",
	"exports",
	"global",
	"__dirname",
	"__filename",
	"Buffer",
	"setImmediate",
	"clearImmediate",
}

var builtins = []string{
	"Object",
	"Array",
	"Function",
	"String",
	"Number",
	"Boolean",
	"Date",
	"RegExp",
	"Error",
	"Math",
	"JSON",
}

// Sandbox applies security restrictions to a runtime.
type Sandbox struct {
	level SecurityLevel
}

// NewSandbox creates a sandbox for the given level
func NewSandbox(level SecurityLevel) *Sandbox {
	return &Sandbox{level: level}
}

// Apply locks down vm. It must run before any script code.
func (s *Sandbox) Apply(vm *goja.Runtime) error {
	for _, name := range hostGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}

	if s.level == SecurityLevelStrict {
		deny := func(what string) func(goja.FunctionCall) goja.Value {
			return func(goja.FunctionCall) goja.Value {
				panic(vm.NewTypeError(what + " is not allowed in strict security mode"))
			}
		}
		if err := vm.Set("eval", deny("eval")); err != nil {
			return fmt.Errorf("restrict eval: %w", err)
		}
		if err := vm.Set("Function", deny("Function")); err != nil {
			return fmt.Errorf("restrict Function: %w", err)
		}
	}

	if s.level != SecurityLevelPermissive {
		if err := s.freezeBuiltins(vm); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sandbox) freezeBuiltins(vm *goja.Runtime) error {
	val, err := vm.RunString(`(function(obj) {
		if (obj && (typeof obj === 'object' || typeof obj === 'function')) {
			Object.freeze(obj);
			if (obj.prototype) {
				Object.freeze(obj.prototype);
			}
		}
	})`)
	if err != nil {
		return fmt.Errorf("create freeze function: %w", err)
	}
	freeze, ok := goja.AssertFunction(val)
	if !ok {
		return fmt.Errorf("freeze function is not a function")
	}

	for _, name := range builtins {
		obj := vm.Get(name)
		if obj == nil || goja.IsUndefined(obj) {
			continue
		}
		if _, err := freeze(goja.Undefined(), obj); err != nil {
			return fmt.Errorf("freeze %s: %w", name, err)
		}
	}
	return nil
}
