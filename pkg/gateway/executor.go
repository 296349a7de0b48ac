package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/capstanhq/capstan/pkg/capability"
)

// Source supplies capability snapshots. Implemented by capability.Manager.
type Source interface {
	Ensure(force bool) (*capability.Snapshot, error)
	Current() *capability.Snapshot
}

// InvocationRecord is one completed invocation, as handed to the audit
// sink.
type InvocationRecord struct {
	ID         string
	Capability string
	Params     json.RawMessage
	OK         bool
	ErrorKind  string
	Duration   time.Duration
	StartedAt  time.Time
}

// Recorder receives invocation records. Implementations must not block.
type Recorder interface {
	RecordInvocation(rec InvocationRecord)
}

// Executor is the single entry point for invoking capabilities by name.
// It validates parameters against the capability's declared schema,
// bounds execution with a deadline and normalizes every failure into the
// error taxonomy.
type Executor struct {
	source   Source
	timeout  time.Duration
	recorder Recorder
	logger   zerolog.Logger
}

// NewExecutor creates an executor. recorder may be nil.
func NewExecutor(source Source, timeout time.Duration, recorder Recorder, logger zerolog.Logger) *Executor {
	return &Executor{
		source:   source,
		timeout:  timeout,
		recorder: recorder,
		logger:   logger.With().Str("component", "executor").Logger(),
	}
}

// Timeout returns the per-invocation deadline.
func (e *Executor) Timeout() time.Duration {
	return e.timeout
}

// Invoke executes the named capability with params. Resolution happens
// against a fresh snapshot; an unknown name fails immediately as
// not_found and never as a timeout. All failures are *Error values.
func (e *Executor) Invoke(ctx context.Context, name string, params map[string]any) (any, error) {
	invocationID := uuid.NewString()
	started := time.Now()

	log := e.logger.With().
		Str("invocation_id", invocationID).
		Str("capability", name).
		Logger()

	snap, err := e.source.Ensure(false)
	if err != nil {
		// A failed rescan still leaves the previous snapshot usable.
		log.Warn().Err(err).Msg("Capability refresh failed, resolving against previous set")
		snap = e.source.Current()
	}

	desc, ok := snap.Lookup(name)
	if !ok {
		gerr := NewError(KindNotFound, fmt.Sprintf("capability %q is not registered", name)).
			WithDetails("availableCapabilities", snap.Names())
		e.record(invocationID, name, params, started, gerr)
		return nil, gerr
	}

	if gerr := e.validateParams(desc, params); gerr != nil {
		e.record(invocationID, name, params, started, gerr)
		return nil, gerr
	}

	result, gerr := e.run(ctx, desc, params)
	e.record(invocationID, name, params, started, gerr)

	if gerr != nil {
		log.Warn().
			Str("kind", string(gerr.Kind)).
			Dur("duration", time.Since(started)).
			Msg("Invocation failed")
		return nil, gerr
	}

	log.Debug().
		Dur("duration", time.Since(started)).
		Msg("Invocation complete")
	return result, nil
}

// validateParams checks params against the capability's parameter schema.
// Capabilities without a schema accept anything.
func (e *Executor) validateParams(desc *capability.Descriptor, params map[string]any) *Error {
	schema := desc.ParameterSchema()
	if schema == nil {
		return nil
	}

	if params == nil {
		params = map[string]any{}
	}

	res, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return NewError(KindInvalidParameters, fmt.Sprintf("parameter validation failed: %v", err))
	}
	if res.Valid() {
		return nil
	}

	issues := make([]string, 0, len(res.Errors()))
	for _, issue := range res.Errors() {
		issues = append(issues, issue.String())
	}
	return NewError(KindInvalidParameters, fmt.Sprintf("invalid parameters for %q", desc.Name)).
		WithDetails("issues", issues)
}

// run executes the handler under the configured deadline. The handler's
// ctx is cancelled at the deadline, which interrupts the underlying unit
// VM; the select below just decides which outcome to report.
func (e *Executor) run(ctx context.Context, desc *capability.Descriptor, params map[string]any) (any, *Error) {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("capability panicked: %v", r)
			}
		}()
		result, err := desc.Handle(cctx, params)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- result
	}()

	select {
	case result := <-resultCh:
		return result, nil
	case err := <-errCh:
		if cctx.Err() == context.DeadlineExceeded {
			return nil, e.timeoutError(desc.Name)
		}
		return nil, AsError(err)
	case <-cctx.Done():
		if cctx.Err() == context.DeadlineExceeded {
			return nil, e.timeoutError(desc.Name)
		}
		return nil, NewError(KindExecutionError, "invocation cancelled")
	}
}

func (e *Executor) timeoutError(name string) *Error {
	return NewError(KindTimeout, fmt.Sprintf("capability %q exceeded the %s deadline", name, e.timeout)).
		WithDetails("timeoutSeconds", e.timeout.Seconds())
}

func (e *Executor) record(id, name string, params map[string]any, started time.Time, gerr *Error) {
	if e.recorder == nil {
		return
	}

	raw, _ := json.Marshal(params)
	rec := InvocationRecord{
		ID:         id,
		Capability: name,
		Params:     raw,
		OK:         gerr == nil,
		Duration:   time.Since(started),
		StartedAt:  started,
	}
	if gerr != nil {
		rec.ErrorKind = string(gerr.Kind)
	}
	e.recorder.RecordInvocation(rec)
}
