package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capstanhq/capstan/pkg/capability"
	"github.com/capstanhq/capstan/pkg/gateway"
	"github.com/capstanhq/capstan/pkg/script"
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

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "add.js"), []byte(addUnit), 0644))

	state := capability.NewDiscoveryState(dir)
	discoverer := capability.NewDiscoverer(dir, 10000, capability.NewUnitLoader(logger), logger)
	manager := capability.NewManager(discoverer, state, capability.ReloadAuto, logger)

	executor := gateway.NewExecutor(manager, 5*time.Second, nil, logger)
	runner := script.NewRunner(script.NewValidator(), manager, executor, 50, 10*time.Second, nil, logger)

	srv, err := NewServer(Config{
		Host:    "127.0.0.1",
		Port:    8700,
		Source:  manager,
		Invoker: executor,
		Runner:  runner,
		Logger:  logger,
	})
	require.NoError(t, err)
	return srv, dir
}

func TestServer_Capabilities(t *testing.T) {
	srv, dir := newTestServer(t)
	handler := srv.Handler()

	t.Run("lists capabilities with an etag", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/capabilities", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		etag := rec.Header().Get("ETag")
		assert.NotEmpty(t, etag)

		var body struct {
			Capabilities []capability.Descriptor `json:"capabilities"`
			Count        int                     `json:"count"`
			Hash         string                  `json:"hash"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, 1, body.Count)
		assert.Equal(t, "add", body.Capabilities[0].Name)
		assert.Equal(t, 10000, body.Capabilities[0].ID)
	})

	t.Run("returns 304 on matching etag", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/capabilities", nil))
		etag := rec.Header().Get("ETag")

		req := httptest.NewRequest(http.MethodGet, "/capabilities", nil)
		req.Header.Set("If-None-Match", etag)
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotModified, rec.Code)
	})

	t.Run("reload=1 forces a rescan", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.js"), []byte(`
function spec() { return { name: "echo" }; }
function run(params) { return params; }
`), 0644))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/capabilities?reload=1", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Count int `json:"count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, 2, body.Count)
	})

	t.Run("rejects non-GET", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/capabilities", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestServer_Invoke(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	post := func(t *testing.T, path, body string) *httptest.ResponseRecorder {
		t.Helper()
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		handler.ServeHTTP(rec, req)
		return rec
	}

	t.Run("invokes a capability", func(t *testing.T) {
		rec := post(t, "/invoke", `{"capability":"add","params":{"a":2,"b":3}}`)
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Success bool    `json:"success"`
			Result  float64 `json:"result"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.True(t, body.Success)
		assert.Equal(t, float64(5), body.Result)
	})

	t.Run("accepts the legacy tool field", func(t *testing.T) {
		rec := post(t, "/invoke", `{"tool":"add","params":{"a":1,"b":1}}`)
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Result float64 `json:"result"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, float64(2), body.Result)
	})

	t.Run("unknown capability maps to 404", func(t *testing.T) {
		rec := post(t, "/invoke", `{"capability":"missing"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		var body struct {
			Success bool           `json:"success"`
			Error   *gateway.Error `json:"error"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.False(t, body.Success)
		assert.Equal(t, gateway.KindNotFound, body.Error.Kind)
	})

	t.Run("invalid parameters map to 400", func(t *testing.T) {
		rec := post(t, "/invoke", `{"capability":"add","params":{"a":"two"}}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body maps to 400", func(t *testing.T) {
		rec := post(t, "/invoke", `{ not json`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing capability name maps to 400", func(t *testing.T) {
		rec := post(t, "/invoke", `{"params":{}}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestServer_Script(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	post := func(t *testing.T, body string) *httptest.ResponseRecorder {
		t.Helper()
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/script", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		handler.ServeHTTP(rec, req)
		return rec
	}

	t.Run("runs a script", func(t *testing.T) {
		payload, err := json.Marshal(map[string]any{
			"script": `result = tools.add({ a: 2, b: 3 });`,
		})
		require.NoError(t, err)

		rec := post(t, string(payload))
		require.Equal(t, http.StatusOK, rec.Code)

		var res script.Result
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.True(t, res.Success)
		assert.EqualValues(t, 5, res.Result)
		assert.Equal(t, 1, res.CallsMade)
	})

	t.Run("passes injected variables through", func(t *testing.T) {
		payload, err := json.Marshal(map[string]any{
			"script":    `result = tools.add({ a: base, b: 1 });`,
			"variables": map[string]any{"base": 9},
		})
		require.NoError(t, err)

		rec := post(t, string(payload))
		require.Equal(t, http.StatusOK, rec.Code)

		var res script.Result
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		require.True(t, res.Success)
		assert.EqualValues(t, 10, res.Result)
	})

	t.Run("security violations map to 400", func(t *testing.T) {
		payload, err := json.Marshal(map[string]any{"script": "import os"})
		require.NoError(t, err)

		rec := post(t, string(payload))
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var res script.Result
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.False(t, res.Success)
		assert.Equal(t, gateway.KindSecurityViolation, res.Error.Kind)
	})

	t.Run("empty script maps to 400", func(t *testing.T) {
		rec := post(t, `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestServer_Healthz(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
