package gateway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capstanhq/capstan/pkg/capability"
)

const addUnit = `
function spec() {
	return {
		name: "add",
		description: "Adds two numbers",
		parameters: {
			type: "object",
			properties: {
				a: { type: "number" },
				b: { type: "number" }
			},
			required: ["a", "b"]
		}
	};
}

function run(params) {
	return params.a + params.b;
}
`

const spinUnit = `
function spec() { return { name: "spin", description: "Never returns" }; }
function run(params) { while (true) {} }
`

const failUnit = `
function spec() { return { name: "fail", description: "Always throws" }; }
function run(params) { throw new Error("boom"); }
`

// staticSource serves one fixed snapshot.
type staticSource struct {
	snap *capability.Snapshot
}

func (s *staticSource) Ensure(bool) (*capability.Snapshot, error) { return s.snap, nil }
func (s *staticSource) Current() *capability.Snapshot             { return s.snap }

// loadSnapshot discovers units from source strings written to a temp dir.
func loadSnapshot(t *testing.T, units map[string]string) *capability.Snapshot {
	t.Helper()
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	dir := t.TempDir()
	for name, src := range units {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0644))
	}
	discovery := capability.NewDiscoverer(dir, 10000, capability.NewUnitLoader(logger), logger)
	snap, _, _, err := discovery.Discover(nil)
	require.NoError(t, err)
	return snap
}

func newTestExecutor(t *testing.T, units map[string]string, timeout time.Duration) *Executor {
	t.Helper()
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	return NewExecutor(&staticSource{snap: loadSnapshot(t, units)}, timeout, nil, logger)
}

func TestExecutor_Invoke(t *testing.T) {
	t.Run("executes a capability", func(t *testing.T) {
		exec := newTestExecutor(t, map[string]string{"add.js": addUnit}, 5*time.Second)

		result, err := exec.Invoke(context.Background(), "add", map[string]any{"a": 2, "b": 3})
		require.NoError(t, err)
		assert.EqualValues(t, 5, result)
	})

	t.Run("unknown capability fails fast as not_found", func(t *testing.T) {
		exec := newTestExecutor(t, map[string]string{"add.js": addUnit}, 5*time.Second)

		started := time.Now()
		_, err := exec.Invoke(context.Background(), "missing", nil)
		require.Error(t, err)

		var gerr *Error
		require.True(t, errors.As(err, &gerr))
		assert.Equal(t, KindNotFound, gerr.Kind)
		assert.Contains(t, gerr.Details["availableCapabilities"], "add")
		// Resolution failure must not wait out the deadline.
		assert.Less(t, time.Since(started), time.Second)
	})

	t.Run("rejects parameters failing the schema", func(t *testing.T) {
		exec := newTestExecutor(t, map[string]string{"add.js": addUnit}, 5*time.Second)

		_, err := exec.Invoke(context.Background(), "add", map[string]any{"a": "two"})
		require.Error(t, err)

		var gerr *Error
		require.True(t, errors.As(err, &gerr))
		assert.Equal(t, KindInvalidParameters, gerr.Kind)
		assert.NotEmpty(t, gerr.Details["issues"])
	})

	t.Run("normalizes thrown errors as execution_error", func(t *testing.T) {
		exec := newTestExecutor(t, map[string]string{"fail.js": failUnit}, 5*time.Second)

		_, err := exec.Invoke(context.Background(), "fail", nil)
		require.Error(t, err)

		var gerr *Error
		require.True(t, errors.As(err, &gerr))
		assert.Equal(t, KindExecutionError, gerr.Kind)
		assert.Contains(t, gerr.Message, "boom")
	})

	t.Run("times out a spinning capability", func(t *testing.T) {
		exec := newTestExecutor(t, map[string]string{"spin.js": spinUnit}, 200*time.Millisecond)

		started := time.Now()
		_, err := exec.Invoke(context.Background(), "spin", nil)
		require.Error(t, err)

		var gerr *Error
		require.True(t, errors.As(err, &gerr))
		assert.Equal(t, KindTimeout, gerr.Kind)
		assert.Less(t, time.Since(started), 5*time.Second)
	})

	t.Run("records invocations", func(t *testing.T) {
		logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
		rec := &captureRecorder{}
		exec := NewExecutor(&staticSource{snap: loadSnapshot(t, map[string]string{"add.js": addUnit})}, 5*time.Second, rec, logger)

		_, err := exec.Invoke(context.Background(), "add", map[string]any{"a": 1, "b": 1})
		require.NoError(t, err)
		_, err = exec.Invoke(context.Background(), "missing", nil)
		require.Error(t, err)

		require.Len(t, rec.records, 2)
		assert.True(t, rec.records[0].OK)
		assert.Equal(t, "add", rec.records[0].Capability)
		assert.False(t, rec.records[1].OK)
		assert.Equal(t, string(KindNotFound), rec.records[1].ErrorKind)
	})
}

type captureRecorder struct {
	records []InvocationRecord
}

func (c *captureRecorder) RecordInvocation(rec InvocationRecord) {
	c.records = append(c.records, rec)
}

func TestError_HTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindNotFound:          404,
		KindUnknownCapability: 404,
		KindTimeout:           504,
		KindInvalidParameters: 400,
		KindSecurityViolation: 400,
		KindSyntaxError:       400,
		KindExecutionError:    500,
		KindBudgetExceeded:    500,
	}
	for kind, want := range cases {
		assert.Equal(t, want, NewError(kind, "x").HTTPStatus(), string(kind))
	}
}
