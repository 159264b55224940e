package cli

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yubzen/agentstream/internal/config"
	"github.com/yubzen/agentstream/internal/events"
	"github.com/yubzen/agentstream/internal/logging"
	"github.com/yubzen/agentstream/internal/protocol"
	"github.com/yubzen/agentstream/internal/server"
)

func writeTestConfig(t *testing.T) (path, dir string) {
	t.Helper()
	dir = t.TempDir()
	path = filepath.Join(dir, "config.toml")
	content := fmt.Sprintf("[execution]\nworkdir = %q\n\n[state]\ndb_path = %q\n", dir, filepath.Join(dir, "state.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path, dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func decodeLines(t *testing.T, out string) []events.Event {
	t.Helper()
	var seq []events.Event
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		ev, err := events.Decode(scanner.Bytes())
		require.NoError(t, err, scanner.Text())
		seq = append(seq, ev)
	}
	return seq
}

func TestRootHasCommands(t *testing.T) {
	var names []string
	for _, c := range NewRootCmd().Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "run", "watch", "runtimes", "auth", "runs"} {
		assert.Contains(t, names, want)
	}
}

func TestRunPrintsEventLines(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)

	out, err := execute(t, "--config", cfgPath, "run", "--no-state", "--thread", "t1", "--run-id", "r1", "hello", "there")
	require.NoError(t, err)

	seq := decodeLines(t, out)
	require.NoError(t, events.ValidateSequence(seq))
	assert.Equal(t, events.EventTypeRunStarted, seq[0].Type())
	finished, ok := seq[len(seq)-1].(events.RunFinished)
	require.True(t, ok)
	assert.Equal(t, "r1", finished.RunID)
}

func TestRunRecordsToStateAndListsRuns(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)

	_, err := execute(t, "--config", cfgPath, "run", "--run-id", "persisted-run", "hello")
	require.NoError(t, err)

	out, err := execute(t, "--config", cfgPath, "runs")
	require.NoError(t, err)
	assert.Contains(t, out, "persisted-run")
	assert.Contains(t, out, "success")

	out, err = execute(t, "--config", cfgPath, "runs", "--steps", "persisted-run")
	require.NoError(t, err)
	assert.Contains(t, out, "process")
	assert.Contains(t, out, "true")
}

func TestRunPushesToServer(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)

	engine := protocol.NewEngine()
	srv, err := server.New(engine, server.WithLogger(logging.Discard()))
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	out, err := execute(t, "--config", cfgPath, "run", "--no-state", "--url", ts.URL+"/agui/events", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "via http (0 failed)")
	reflexive, ok := engine.State()["reflexive_state"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), reflexive["total_tasks"])
	assert.Equal(t, float64(1), reflexive["success_rate"])
}

func TestWriteEventLinesReportsRunError(t *testing.T) {
	ch := make(chan events.Event, 2)
	ch <- events.NewRunStartedEvent("t", "r")
	ch <- events.NewRunErrorEvent("tool exploded")
	close(ch)

	var buf bytes.Buffer
	err := writeEventLines(&buf, ch)
	require.ErrorIs(t, err, ErrRunFailed)
	assert.Contains(t, err.Error(), "tool exploded")
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))
}

func TestRunOptionsApply(t *testing.T) {
	cfg := config.Default()
	(&runOptions{url: "http://host/agui/events", planFile: "plans.yaml"}).apply(cfg)
	assert.Equal(t, "http", cfg.Transport.Kind)
	assert.Equal(t, "plans.yaml", cfg.Agent.PlanFile)

	cfg = config.Default()
	(&runOptions{url: "ws://host/agui/ws", kind: "websocket"}).apply(cfg)
	assert.Equal(t, "websocket", cfg.Transport.Kind)
}

func TestDefaultWatchURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8765/agui/stream", defaultWatchURL("127.0.0.1:8765", "sse"))
	assert.Equal(t, "ws://127.0.0.1:8765/agui/ws", defaultWatchURL("127.0.0.1:8765", "websocket"))
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "****", maskToken("abcd"))
	assert.Equal(t, "abcd**mnop", maskToken("abcdXYmnop"))
}

func TestRuntimesListsConfiguredRuntimes(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)

	out, err := execute(t, "--config", cfgPath, "runtimes")
	require.NoError(t, err)
	assert.Contains(t, out, "RUNTIME")
	for _, name := range []string{"python", "node", "bash", "sh"} {
		assert.Contains(t, out, name)
	}
}
