package script

import (
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/wehubfusion/Colony/pkg/flow"
)

// registerHelpers installs the text and console objects.
func registerHelpers(vm *goja.Runtime, fc *flow.Context) error {
	text := vm.NewObject()
	helpers := map[string]any{
		"upper": func(s string) string { return cases.Upper(language.Und).String(s) },
		"lower": func(s string) string { return cases.Lower(language.Und).String(s) },
		"title": func(s string) string { return cases.Title(language.Und).String(s) },
		"words": func(s string) []string { return strings.Fields(s) },
	}
	for name, fn := range helpers {
		if err := text.Set(name, fn); err != nil {
			return err
		}
	}
	if err := vm.Set("text", text); err != nil {
		return err
	}

	logger := zap.NewNop()
	if fc != nil {
		logger = fc.Logger()
	}
	console := vm.NewObject()
	logAt := func(write func(string, ...zap.Field)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			write("Script log", zap.String("output", strings.Join(parts, " ")))
			return goja.Undefined()
		}
	}
	if err := console.Set("log", logAt(logger.Info)); err != nil {
		return err
	}
	if err := console.Set("warn", logAt(logger.Warn)); err != nil {
		return err
	}
	if err := console.Set("error", logAt(logger.Error)); err != nil {
		return err
	}
	return vm.Set("console", console)
}
