package capability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// unitSpec is the shape a source unit's spec() function must return.
type unitSpec struct {
	Name        string         `json:"name"`
	DisplayName string         `json:"displayName"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// UnitLoader turns capability source units (single-file goja programs
// exporting spec() and run(params)) into descriptors. Compiled programs
// are cached keyed by (filename, content hash); a reload that changes a
// file produces a new cache entry and never mutates the program backing
// an in-flight call.
type UnitLoader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]*goja.Program // key: filename + "\x00" + content hash
}

// NewUnitLoader creates a unit loader.
func NewUnitLoader(logger zerolog.Logger) *UnitLoader {
	return &UnitLoader{
		logger: logger.With().Str("component", "unit-loader").Logger(),
		cache:  make(map[string]*goja.Program),
	}
}

// Load reads, compiles and evaluates one source unit and builds its
// descriptor (id is assigned later by discovery). Any failure is returned
// to the caller, which logs and skips the unit; one broken unit never
// aborts a discovery pass.
func (l *UnitLoader) Load(path, filename string) (*Descriptor, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read unit: %w", err)
	}

	sum := sha256.Sum256(src)
	contentHash := hex.EncodeToString(sum[:])

	program, err := l.program(filename, contentHash, string(src))
	if err != nil {
		return nil, fmt.Errorf("failed to compile unit: %w", err)
	}

	// Evaluate in a throwaway VM to extract the descriptor.
	vm := goja.New()
	if _, err := vm.RunProgram(program); err != nil {
		return nil, fmt.Errorf("failed to evaluate unit: %w", err)
	}

	specFn, ok := goja.AssertFunction(vm.Get("spec"))
	if !ok {
		return nil, fmt.Errorf("unit does not define a spec() function")
	}
	if _, ok := goja.AssertFunction(vm.Get("run")); !ok {
		return nil, fmt.Errorf("unit does not define a run() function")
	}

	specVal, err := specFn(goja.Undefined())
	if err != nil {
		return nil, fmt.Errorf("spec() failed: %w", err)
	}

	raw, err := json.Marshal(specVal.Export())
	if err != nil {
		return nil, fmt.Errorf("spec() returned a non-serializable value: %w", err)
	}

	var spec unitSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("spec() returned an invalid shape: %w", err)
	}
	if spec.Name == "" {
		return nil, fmt.Errorf("spec() did not provide a name")
	}
	if spec.DisplayName == "" {
		spec.DisplayName = spec.Name
	}

	desc := &Descriptor{
		Name:        spec.Name,
		DisplayName: spec.DisplayName,
		Description: spec.Description,
		SourceFile:  filename,
		ContentHash: contentHash,
		Handle:      unitHandler(program),
	}

	if spec.Parameters != nil {
		desc.Schema, err = json.Marshal(spec.Parameters)
		if err != nil {
			return nil, fmt.Errorf("parameters are not serializable: %w", err)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(spec.Parameters))
		if err != nil {
			// Register the unit anyway; parameter validation is skipped.
			l.logger.Warn().
				Err(err).
				Str("unit", filename).
				Str("capability", spec.Name).
				Msg("Invalid parameter schema, validation disabled for this capability")
		} else {
			desc.params = schema
		}
	}

	return desc, nil
}

// program returns the cached compiled program for (filename, hash),
// compiling on first sight of this content.
func (l *UnitLoader) program(filename, contentHash, src string) (*goja.Program, error) {
	key := filename + "\x00" + contentHash

	l.mu.Lock()
	defer l.mu.Unlock()

	if p, ok := l.cache[key]; ok {
		return p, nil
	}

	p, err := goja.Compile(filename, src, false)
	if err != nil {
		return nil, err
	}

	l.cache[key] = p
	return p, nil
}

// unitHandler wraps a compiled unit program as a Handler. Every invocation
// gets its own VM (goja runtimes are not safe for concurrent use); ctx
// cancellation interrupts the VM so a timed-out handler actually stops
// instead of running on in the background.
func unitHandler(program *goja.Program) Handler {
	return func(ctx context.Context, params map[string]any) (any, error) {
		vm := goja.New()

		finished := make(chan struct{})
		defer close(finished)
		go func() {
			select {
			case <-ctx.Done():
				vm.Interrupt(ctx.Err())
			case <-finished:
			}
		}()

		if _, err := vm.RunProgram(program); err != nil {
			return nil, fmt.Errorf("unit evaluation failed: %w", err)
		}

		runFn, ok := goja.AssertFunction(vm.Get("run"))
		if !ok {
			return nil, fmt.Errorf("unit does not define a run() function")
		}

		if params == nil {
			params = map[string]any{}
		}

		result, err := runFn(goja.Undefined(), vm.ToValue(params))
		if err != nil {
			return nil, err
		}
		if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
			return nil, nil
		}
		return result.Export(), nil
	}
}
