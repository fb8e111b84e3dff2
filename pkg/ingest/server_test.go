package ingest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedyhq/remedy/internal/storage"
	"github.com/remedyhq/remedy/pkg/agent"
	"github.com/remedyhq/remedy/pkg/subagent"
	"github.com/remedyhq/remedy/pkg/toolexec"
	"github.com/remedyhq/remedy/pkg/trace"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)
}

type scriptedProvider struct {
	mu    sync.Mutex
	steps []*agent.CompletionResponse
	calls int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req agent.CompletionRequest) (*agent.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.steps) {
		return &agent.CompletionResponse{Text: "done"}, nil
	}
	resp := p.steps[p.calls]
	p.calls++
	return resp, nil
}

type stubRouter struct{ provider agent.Provider }

func (r stubRouter) Provider(string) (agent.Provider, error) { return r.provider, nil }

type fixture struct {
	server *Server
	store  *storage.Store
	http   *httptest.Server
}

func setup(t *testing.T, steps []*agent.CompletionResponse) *fixture {
	t.Helper()

	store, err := storage.Open(filepath.Join(t.TempDir(), "remedy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.CreateRobotKey(context.Background(), storage.RobotKey{
		Key: "rk-valid", Label: "test robot", Enabled: true, CreatedAt: time.Now(),
	}))

	tools := toolexec.NewRegistry()
	require.NoError(t, toolexec.RegisterBuiltins(tools, nil))

	registry := agent.NewRegistry(tools, testLogger())
	require.NoError(t, registry.Load([]agent.Definition{{
		Name:         "gateway",
		Description:  "Routes automation failures",
		SystemPrompt: "Resolve or escalate.",
		Provider:     agent.ProviderBinding{Provider: "scripted", Model: "m"},
		Gateway:      true,
	}}))

	recorder := trace.NewRecorder(store, testLogger())
	runner, err := agent.NewRunner(agent.Config{
		Registry:           registry,
		Tools:              tools,
		Router:             stubRouter{&scriptedProvider{steps: steps}},
		Recorder:           recorder,
		Outcomes:           store,
		Logger:             testLogger(),
		MaxProviderRetries: 1,
		RetryBackoff:       time.Millisecond,
	})
	require.NoError(t, err)
	runner.SetSubAgentInvoker(subagent.NewComposer(registry, testLogger()))

	artifacts, err := storage.NewArtifactStore(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)

	server, err := NewServer(Config{
		Addr:         "127.0.0.1:0",
		PingInterval: 10 * time.Millisecond,
		Store:        store,
		Runner:       runner,
		Recorder:     recorder,
		Artifacts:    artifacts,
		Logger:       testLogger(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &fixture{server: server, store: store, http: ts}
}

func dial(t *testing.T, f *fixture, key string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	header := http.Header{}
	if key != "" {
		header.Set(RobotKeyHeader, key)
	}
	ws, resp, err := websocket.DefaultDialer.Dial(WebSocketURL(f.http.URL), header)
	if ws != nil {
		t.Cleanup(func() { ws.Close() })
	}
	return ws, resp, err
}

func readMessage(t *testing.T, ws *websocket.Conn, v interface{}) {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func TestWebSocketAuth(t *testing.T) {
	t.Run("should reject a connection without a robot key", func(t *testing.T) {
		f := setup(t, nil)

		_, resp, err := dial(t, f, "")
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("should reject an unknown robot key", func(t *testing.T) {
		f := setup(t, nil)

		_, resp, err := dial(t, f, "rk-bogus")
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("should reject a disabled robot key", func(t *testing.T) {
		f := setup(t, nil)
		require.NoError(t, f.store.SetRobotKeyEnabled(context.Background(), "rk-valid", false))

		_, resp, err := dial(t, f, "rk-valid")
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestWebSocketSubmission(t *testing.T) {
	t.Run("should ack, run, and push the terminal outcome", func(t *testing.T) {
		f := setup(t, []*agent.CompletionResponse{{Text: "restarted the robot"}})

		ws, _, err := dial(t, f, "rk-valid")
		require.NoError(t, err)

		require.NoError(t, ws.WriteJSON(ExceptionMessage{
			Type:    "exception",
			Payload: json.RawMessage(`{"robot":"invoices","code":"E7"}`),
		}))

		var accepted AcceptedMessage
		readMessage(t, ws, &accepted)
		require.Equal(t, "accepted", accepted.Type)
		require.NotEmpty(t, accepted.FailureID)
		require.NotEmpty(t, accepted.TreeID)

		// The failure record is durable as soon as the ack arrives.
		record, err := f.store.GetFailure(context.Background(), accepted.FailureID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"robot":"invoices","code":"E7"}`, string(record.Payload))

		var done DoneMessage
		readMessage(t, ws, &done)
		assert.Equal(t, "done", done.Type)
		assert.Equal(t, accepted.TreeID, done.TreeID)
		assert.Equal(t, string(agent.StatusCompleted), done.Status)
		assert.Equal(t, "restarted the robot", done.Summary)
	})

	t.Run("should reject a malformed submission and keep the connection", func(t *testing.T) {
		f := setup(t, []*agent.CompletionResponse{{Text: "ok"}})

		ws, _, err := dial(t, f, "rk-valid")
		require.NoError(t, err)

		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"unexpected"}`)))

		var errMsg ErrorMessage
		readMessage(t, ws, &errMsg)
		assert.Equal(t, "error", errMsg.Type)

		// The connection survives; a proper submission still works.
		require.NoError(t, ws.WriteJSON(ExceptionMessage{Type: "exception", Payload: json.RawMessage(`{}`)}))
		var accepted AcceptedMessage
		readMessage(t, ws, &accepted)
		assert.Equal(t, "accepted", accepted.Type)
	})

	t.Run("should serve multiple submissions on one connection", func(t *testing.T) {
		f := setup(t, []*agent.CompletionResponse{{Text: "first"}, {Text: "second"}})

		ws, _, err := dial(t, f, "rk-valid")
		require.NoError(t, err)

		trees := make(map[string]bool)
		for i := 0; i < 2; i++ {
			require.NoError(t, ws.WriteJSON(ExceptionMessage{Type: "exception", Payload: json.RawMessage(`{}`)}))
			var accepted AcceptedMessage
			readMessage(t, ws, &accepted)
			require.Equal(t, "accepted", accepted.Type)
			trees[accepted.TreeID] = true

			var done DoneMessage
			readMessage(t, ws, &done)
			require.Equal(t, "done", done.Type)
		}
		assert.Len(t, trees, 2, "each submission gets its own tree")
	})
}

func TestRetrievalAPI(t *testing.T) {
	submit := func(t *testing.T, f *fixture) (AcceptedMessage, DoneMessage) {
		t.Helper()

		ws, _, err := dial(t, f, "rk-valid")
		require.NoError(t, err)
		require.NoError(t, ws.WriteJSON(ExceptionMessage{Type: "exception", Payload: json.RawMessage(`{"code":"E7"}`)}))

		var accepted AcceptedMessage
		readMessage(t, ws, &accepted)
		var done DoneMessage
		readMessage(t, ws, &done)
		return accepted, done
	}

	t.Run("should serve the failure record, trace, and outcome", func(t *testing.T) {
		f := setup(t, []*agent.CompletionResponse{{Text: "resolved"}})
		accepted, _ := submit(t, f)

		resp, err := http.Get(f.http.URL + "/failures/" + accepted.FailureID)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var record storage.FailureRecord
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&record))
		assert.Equal(t, accepted.FailureID, record.ID)

		resp, err = http.Get(f.http.URL + "/trees/" + accepted.TreeID + "/trace")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var entries []trace.Entry
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
		require.NotEmpty(t, entries)
		assert.Equal(t, "root", entries[0].InvocationID)

		resp, err = http.Get(f.http.URL + "/trees/" + accepted.TreeID + "/outcome")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var outcome agent.Outcome
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&outcome))
		assert.Equal(t, agent.StatusCompleted, outcome.Status)
	})

	t.Run("should return 404 for unknown identities", func(t *testing.T) {
		f := setup(t, nil)

		for _, path := range []string{"/failures/nope", "/trees/nope/outcome"} {
			resp, err := http.Get(f.http.URL + path)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		}
	})

	t.Run("should render a markdown report", func(t *testing.T) {
		f := setup(t, []*agent.CompletionResponse{{Text: "resolved"}})
		accepted, _ := submit(t, f)

		resp, err := http.Get(f.http.URL + "/trees/" + accepted.TreeID + "/report")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Content-Type"), "text/markdown")

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "# Recovery Trace "+accepted.TreeID)
		assert.Contains(t, string(body), "gateway")
	})

	t.Run("should serve the ui event bundle as a zip", func(t *testing.T) {
		f := setup(t, []*agent.CompletionResponse{{Text: "resolved"}})
		accepted, _ := submit(t, f)

		resp, err := http.Get(f.http.URL + "/trees/" + accepted.TreeID + "/bundle")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	})
}
