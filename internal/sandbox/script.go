package sandbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// ErrTestTimeout is returned when a single invocation exceeds its wall-clock
// limit. It fails only the affected test.
var ErrTestTimeout = errors.New("execution timed out")

// vmShadowed are host-capability identifiers scrubbed from the VM before any
// untrusted code runs. A fresh goja runtime exposes none of these, but the
// evaluator must not depend on that staying true.
var vmShadowed = []string{"require", "process", "module", "exports", "global", "Function"}

// ScriptRunner evaluates JavaScript submissions in-process, one VM per
// submission, with a hard per-invocation timeout.
type ScriptRunner struct {
	timeout time.Duration
}

// NewScriptRunner creates a runner with the given per-test timeout.
func NewScriptRunner(timeout time.Duration) *ScriptRunner {
	return &ScriptRunner{timeout: timeout}
}

// ScriptProgram is one compiled submission bound to its entry function.
// Invocations are sequential; the VM is not goroutine-safe.
type ScriptProgram struct {
	vm      *goja.Runtime
	entry   goja.Callable
	timeout time.Duration
}

// Compile parses the submitted source and resolves its entry function.
// A compile error is submission-level: no test runs.
func (r *ScriptRunner) Compile(source, entryPoint string) (*ScriptProgram, error) {
	vm := goja.New()
	for _, name := range vmShadowed {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return nil, fmt.Errorf("scrub %s: %w", name, err)
		}
	}

	done := make(chan struct{})
	timer := time.AfterFunc(r.timeout, func() {
		vm.Interrupt(ErrTestTimeout)
	})
	var runErr error
	go func() {
		_, runErr = vm.RunString(source)
		close(done)
	}()
	<-done
	timer.Stop()
	vm.ClearInterrupt()
	if runErr != nil {
		return nil, fmt.Errorf("compile: %w", normalizeJSError(runErr))
	}

	entryVal := vm.Get(entryPoint)
	if entryVal == nil || goja.IsUndefined(entryVal) || goja.IsNull(entryVal) {
		return nil, fmt.Errorf("entry function %q not defined", entryPoint)
	}
	entry, ok := goja.AssertFunction(entryVal)
	if !ok {
		return nil, fmt.Errorf("entry %q is not a function", entryPoint)
	}

	return &ScriptProgram{vm: vm, entry: entry, timeout: r.timeout}, nil
}

// Invoke calls the entry function with one test's argument tuple and returns
// the exported result. Timeouts and thrown errors fail only this invocation;
// the program stays usable for the remaining tests.
func (p *ScriptProgram) Invoke(args []interface{}) (interface{}, error) {
	vmArgs := make([]goja.Value, len(args))
	for i, a := range args {
		vmArgs[i] = p.vm.ToValue(a)
	}

	type outcome struct {
		val goja.Value
		err error
	}
	done := make(chan outcome, 1)
	timer := time.AfterFunc(p.timeout, func() {
		p.vm.Interrupt(ErrTestTimeout)
	})
	go func() {
		v, err := p.entry(goja.Undefined(), vmArgs...)
		done <- outcome{v, err}
	}()
	out := <-done
	timer.Stop()
	p.vm.ClearInterrupt()

	if out.err != nil {
		return nil, normalizeJSError(out.err)
	}
	if out.val == nil || goja.IsUndefined(out.val) {
		return nil, nil
	}
	return normalizeValue(out.val.Export()), nil
}

// normalizeJSError maps interrupts back to ErrTestTimeout and flattens
// thrown JS values into plain errors.
func normalizeJSError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return ErrTestTimeout
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return fmt.Errorf("%s", exception.Value().String())
	}
	return err
}

// normalizeValue rewrites exported goja values into the same shapes JSON
// decoding produces, so results compare structurally against expectations.
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case int64:
		return float64(val)
	case int:
		return float64(val)
	case []interface{}:
		for i := range val {
			val[i] = normalizeValue(val[i])
		}
		return val
	case map[string]interface{}:
		for k := range val {
			val[k] = normalizeValue(val[k])
		}
		return val
	}
	return v
}
