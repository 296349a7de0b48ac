package script

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/capstanhq/capstan/pkg/gateway"
)

const (
	// MinTimeout and MaxTimeout bound the per-run deadline a caller may
	// request.
	MinTimeout = 1 * time.Second
	MaxTimeout = 300 * time.Second
)

// resultNames are the global variables inspected, in order, to find the
// script's result value after it completes.
var resultNames = []string{"result", "results", "output", "data", "return_value", "final_result"}

// Invoker dispatches capability calls made from inside a script.
// Implemented by gateway.Executor.
type Invoker interface {
	Invoke(ctx context.Context, name string, params map[string]any) (any, error)
}

// RunRecord is one completed script run, as handed to the audit sink.
type RunRecord struct {
	ID        string
	OK        bool
	ErrorKind string
	CallsMade int
	Duration  time.Duration
	StartedAt time.Time
}

// Recorder receives script run records. Implementations must not block.
type Recorder interface {
	RecordScriptRun(rec RunRecord)
}

// Result is the outcome of one script run. Error and Trace are set only
// on failure; Result may legitimately be nil on success when the script
// produced no recognizable result value.
type Result struct {
	Success         bool           `json:"success"`
	Result          any            `json:"result,omitempty"`
	Output          string         `json:"output,omitempty"`
	CallsMade       int            `json:"callsMade"`
	DurationSeconds float64        `json:"durationSeconds"`
	AvailableTools  []string       `json:"availableTools"`
	Error           *gateway.Error `json:"error,omitempty"`
	Trace           string         `json:"trace,omitempty"`
}

// Runner executes validated scripts in a restricted VM with access to the
// registered capabilities, a call budget and a wall-clock bound.
type Runner struct {
	validator      *Validator
	source         gateway.Source
	invoker        Invoker
	maxCalls       int
	defaultTimeout time.Duration
	recorder       Recorder
	logger         zerolog.Logger
}

// NewRunner creates a runner. recorder may be nil.
func NewRunner(validator *Validator, source gateway.Source, invoker Invoker, maxCalls int, defaultTimeout time.Duration, recorder Recorder, logger zerolog.Logger) *Runner {
	return &Runner{
		validator:      validator,
		source:         source,
		invoker:        invoker,
		maxCalls:       maxCalls,
		defaultTimeout: defaultTimeout,
		recorder:       recorder,
		logger:         logger.With().Str("component", "script-runner").Logger(),
	}
}

// ClampTimeout normalizes a requested per-run deadline. Zero selects the
// default; anything outside [MinTimeout, MaxTimeout] is pulled to the
// nearest bound.
func (r *Runner) ClampTimeout(requested time.Duration) time.Duration {
	if requested == 0 {
		requested = r.defaultTimeout
	}
	if requested < MinTimeout {
		return MinTimeout
	}
	if requested > MaxTimeout {
		return MaxTimeout
	}
	return requested
}

// Run validates src and executes it with vars pre-bound as globals. The
// returned Result is always populated; failures are reported inside it
// rather than as a Go error.
func (r *Runner) Run(ctx context.Context, src string, vars map[string]any, timeout time.Duration) Result {
	runID := uuid.NewString()
	started := time.Now()
	timeout = r.ClampTimeout(timeout)

	log := r.logger.With().Str("run_id", runID).Logger()

	snap, err := r.source.Ensure(false)
	if err != nil {
		log.Warn().Err(err).Msg("Capability refresh failed, running against previous set")
		snap = r.source.Current()
	}
	available := snap.Names()

	fail := func(gerr *gateway.Error, calls int, trace string) Result {
		res := Result{
			CallsMade:       calls,
			DurationSeconds: time.Since(started).Seconds(),
			AvailableTools:  available,
			Error:           gerr,
			Trace:           trace,
		}
		r.record(runID, started, res)
		log.Warn().
			Str("kind", string(gerr.Kind)).
			Int("calls_made", calls).
			Msg("Script run failed")
		return res
	}

	// Static validation rejects the whole script before anything runs.
	if err := r.validator.Validate(src); err != nil {
		return fail(gateway.AsError(err), 0, "")
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ec := newExecContext(cctx, r.invoker, available, r.maxCalls)
	ec.bind(vars)

	// The watchdog interrupts the VM at the deadline, so the goroutine
	// below always terminates and the wall-clock bound holds even for
	// tight loops.
	watchdogDone := make(chan struct{})
	go func() {
		select {
		case <-cctx.Done():
			ec.vm.Interrupt(cctx.Err())
		case <-watchdogDone:
		}
	}()

	done := make(chan struct{})
	var runErr error
	var resultValue any
	go func() {
		defer close(done)
		defer func() {
			if rec := recover(); rec != nil {
				runErr = fmt.Errorf("script panicked: %v", rec)
			}
		}()
		runErr = ec.run(src)
		if runErr == nil {
			resultValue = ec.extractResult()
		}
	}()
	<-done
	close(watchdogDone)

	// The interrupt is delivered at the VM's next check, so a sentinel can
	// be set even when the script ran to completion; it still fails the run.
	if runErr != nil || ec.termErr != nil {
		gerr, trace := r.classify(runErr, ec, timeout)
		res := fail(gerr, ec.callsMade, trace)
		res.Output = ec.output()
		return res
	}

	res := Result{
		Success:         true,
		Result:          resultValue,
		Output:          ec.output(),
		CallsMade:       ec.callsMade,
		DurationSeconds: time.Since(started).Seconds(),
		AvailableTools:  available,
	}
	r.record(runID, started, res)
	log.Debug().
		Int("calls_made", res.CallsMade).
		Float64("duration_seconds", res.DurationSeconds).
		Msg("Script run complete")
	return res
}

// classify turns a VM error into a taxonomy error. The budget sentinel
// wins over the interrupt it was delivered through, and an interrupt
// without a sentinel is the deadline.
func (r *Runner) classify(err error, ec *execContext, timeout time.Duration) (*gateway.Error, string) {
	if ec.termErr != nil {
		return ec.termErr, ""
	}
	if err == nil {
		return gateway.NewError(gateway.KindExecutionError, "script terminated abnormally"), ""
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return gateway.NewError(gateway.KindTimeout,
			fmt.Sprintf("script exceeded the %s deadline", timeout)).
			WithDetails("timeoutSeconds", timeout.Seconds()), ""
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		return gateway.NewError(gateway.KindExecutionError, exc.Error()), exc.String()
	}

	return gateway.AsError(err), ""
}

func (r *Runner) record(id string, started time.Time, res Result) {
	if r.recorder == nil {
		return
	}
	rec := RunRecord{
		ID:        id,
		OK:        res.Success,
		CallsMade: res.CallsMade,
		Duration:  time.Since(started),
		StartedAt: started,
	}
	if res.Error != nil {
		rec.ErrorKind = string(res.Error.Kind)
	}
	r.recorder.RecordScriptRun(rec)
}

// execContext is the per-run sandbox state: the VM, the captured output,
// the call counter and the termination sentinel.
type execContext struct {
	ctx       context.Context
	vm        *goja.Runtime
	invoker   Invoker
	available []string
	maxCalls  int
	callsMade int
	buf       strings.Builder
	termErr   *gateway.Error
	baseline  map[string]bool
}

func newExecContext(ctx context.Context, invoker Invoker, available []string, maxCalls int) *execContext {
	ec := &execContext{
		ctx:       ctx,
		vm:        goja.New(),
		invoker:   invoker,
		available: available,
		maxCalls:  maxCalls,
	}
	ec.install()
	return ec
}

// install sets up the restricted namespace. Escape-prone globals are
// overwritten with undefined even though the validator already rejects
// references to them; the runtime never relies on the static pass alone.
func (ec *execContext) install() {
	vm := ec.vm

	for _, name := range []string{"eval", "Function", "globalThis", "Reflect", "Proxy"} {
		_ = vm.Set(name, goja.Undefined())
	}

	_ = vm.Set("print", ec.printFn)
	console := vm.NewObject()
	_ = console.Set("log", ec.printFn)
	_ = vm.Set("console", console)

	clock := vm.NewObject()
	_ = clock.Set("now", func() float64 {
		return float64(time.Now().UnixNano()) / float64(time.Second)
	})
	_ = clock.Set("sleep", ec.sleepFn)
	_ = vm.Set("time", clock)

	_ = vm.Set("callTool", func(name string, params map[string]any) goja.Value {
		return ec.callTool(name, params)
	})
	_ = vm.Set("tools", vm.NewDynamicObject(&toolsProxy{ec: ec}))

	// Globals defined by the setup above never count as script results.
	ec.baseline = make(map[string]bool)
	for _, key := range vm.GlobalObject().Keys() {
		ec.baseline[key] = true
	}
}

// bind injects caller-supplied variables as globals. Injected names join
// the baseline so they are never mistaken for the script's result.
func (ec *execContext) bind(vars map[string]any) {
	for name, value := range vars {
		_ = ec.vm.Set(name, value)
		ec.baseline[name] = true
	}
}

func (ec *execContext) run(src string) error {
	_, err := ec.vm.RunScript("script", src)
	return err
}

func (ec *execContext) printFn(call goja.FunctionCall) goja.Value {
	parts := make([]string, 0, len(call.Arguments))
	for _, arg := range call.Arguments {
		parts = append(parts, arg.String())
	}
	ec.buf.WriteString(strings.Join(parts, " "))
	ec.buf.WriteByte('\n')
	return goja.Undefined()
}

// sleepFn pauses the script without spinning the VM. It returns early on
// deadline; the watchdog interrupt then stops the script at its next
// instruction.
func (ec *execContext) sleepFn(seconds float64) {
	if seconds <= 0 {
		return
	}
	select {
	case <-ec.ctx.Done():
	case <-time.After(time.Duration(seconds * float64(time.Second))):
	}
}

// callTool dispatches one capability call. The budget is checked before
// name resolution, so a run's total dispatch attempts never exceed the
// ceiling; an unknown name and a failed invocation are reported as
// error-shaped values the script can inspect, while an exhausted budget
// aborts the whole run.
func (ec *execContext) callTool(name string, params map[string]any) goja.Value {
	if ec.callsMade >= ec.maxCalls {
		ec.termErr = gateway.NewError(gateway.KindBudgetExceeded,
			fmt.Sprintf("call budget of %d exhausted", ec.maxCalls)).
			WithDetails("maxCalls", ec.maxCalls)
		ec.vm.Interrupt(ec.termErr)
		return goja.Undefined()
	}

	if !ec.knownTool(name) {
		return ec.vm.ToValue(map[string]any{
			"error":                 fmt.Sprintf("unknown capability %q", name),
			"kind":                  string(gateway.KindUnknownCapability),
			"availableCapabilities": ec.available,
		})
	}

	ec.callsMade++

	result, err := ec.invoker.Invoke(ec.ctx, name, params)
	if err != nil {
		gerr := gateway.AsError(err)
		return ec.vm.ToValue(map[string]any{
			"error": gerr.Message,
			"kind":  string(gerr.Kind),
		})
	}
	return ec.vm.ToValue(result)
}

func (ec *execContext) knownTool(name string) bool {
	for _, n := range ec.available {
		if n == name {
			return true
		}
	}
	return false
}

func (ec *execContext) output() string {
	return ec.buf.String()
}

// extractResult looks for the script's result: first the conventional
// variable names in order, then, failing those, every binding the script
// itself introduced (underscore-prefixed names excluded).
func (ec *execContext) extractResult() any {
	for _, name := range resultNames {
		v := ec.vm.Get(name)
		if v != nil && !goja.IsUndefined(v) {
			return v.Export()
		}
	}

	bindings := make(map[string]any)
	for _, key := range ec.vm.GlobalObject().Keys() {
		if ec.baseline[key] || strings.HasPrefix(key, "_") {
			continue
		}
		if v := ec.vm.GlobalObject().Get(key); v != nil && !goja.IsUndefined(v) {
			bindings[key] = v.Export()
		}
	}
	if len(bindings) == 0 {
		return nil
	}
	return bindings
}

// toolsProxy exposes every registered capability as a method on the
// `tools` object. Get resolves any name, known or not; the unknown-name
// check lives in callTool so the script receives the same inspectable
// error value from both call forms instead of a TypeError.
type toolsProxy struct {
	ec *execContext
}

func (p *toolsProxy) Get(key string) goja.Value {
	return p.ec.vm.ToValue(func(params map[string]any) goja.Value {
		return p.ec.callTool(key, params)
	})
}

func (p *toolsProxy) Set(key string, val goja.Value) bool { return false }

func (p *toolsProxy) Has(key string) bool { return p.ec.knownTool(key) }

func (p *toolsProxy) Delete(key string) bool { return false }

func (p *toolsProxy) Keys() []string { return p.ec.available }
