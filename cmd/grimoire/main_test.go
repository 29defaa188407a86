package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/casualjim/grimoire"
	"github.com/casualjim/grimoire/client"
	"github.com/casualjim/grimoire/config"
	"github.com/casualjim/grimoire/internal/broker"
	"github.com/casualjim/grimoire/pkg/metrics"
	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func init() {
	gin.SetMode(gin.TestMode)
	color.NoColor = true
}

func TestSetupLogging(t *testing.T) {
	old := slog.Default()
	defer slog.SetDefault(old)

	var buf bytes.Buffer
	setupLogging(&buf, "json", slog.LevelInfo)
	slog.Debug("hidden")
	slog.Info("spell saved", slog.String("spell", "greeter"))

	line := buf.String()
	assert.NotContains(t, line, "hidden")
	assert.Equal(t, "spell saved", gjson.Get(line, "message").String())
	assert.Equal(t, "greeter", gjson.Get(line, "spell").String())

	buf.Reset()
	setupLogging(&buf, "console", slog.LevelWarn)
	slog.Info("hidden")
	slog.Warn("careful")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "careful")
}

func TestParseInputs(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]any
		wantErr bool
	}{
		{"empty", nil, map[string]any{}, false},
		{"string", []string{"who=world"}, map[string]any{"who": "world"}, false},
		{"json values", []string{"n=3", `data={"a":true}`, "ok=true"}, map[string]any{
			"n": float64(3), "data": map[string]any{"a": true}, "ok": true,
		}, false},
		{"value with equals", []string{"expr=a=b"}, map[string]any{"expr": "a=b"}, false},
		{"empty value", []string{"who="}, map[string]any{"who": ""}, false},
		{"missing equals", []string{"who"}, nil, true},
		{"missing key", []string{"=world"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseInputs(tt.pairs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func echoSpell() grimoire.Spell {
	return grimoire.Spell{
		Name: "echo",
		Graph: grimoire.Graph{Nodes: map[string]grimoire.Node{
			"1": {ID: 1, Name: "Input", Data: map[string]any{"name": "in"},
				Outputs: map[string]grimoire.Socket{"output": {Connections: []grimoire.Connection{{Node: 2, Input: "input"}}}}},
			"2": {ID: 2, Name: "Output", Data: map[string]any{"name": "out"},
				Inputs: map[string]grimoire.Socket{"input": {Connections: []grimoire.Connection{{Node: 1, Output: "output"}}}}},
		}},
	}
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
}

type cli struct {
	envFile string
}

// newCLI starts an in-memory server and points the command line at it.
func newCLI(t *testing.T) *cli {
	t.Helper()
	svcs, err := newServices(context.Background(), config.Config{ProjectID: "p1"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svcs.close() })

	ts := httptest.NewServer(svcs.server)
	t.Cleanup(ts.Close)

	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, nil, 0o600))
	t.Setenv("API_ROOT_URL", ts.URL)
	t.Setenv("PROJECT_ID", "p1")
	return &cli{envFile: envFile}
}

func TestNewServices_Metrics(t *testing.T) {
	original := otel.GetMeterProvider()
	t.Cleanup(func() { otel.SetMeterProvider(original) })

	svcs, err := newServices(context.Background(), config.Config{
		ProjectID:       "p1",
		MetricsExporter: metrics.ExporterStdout,
		MetricsInterval: time.Hour,
	})
	require.NoError(t, err)
	defer svcs.close()

	_, isNoop := svcs.metrics.(metrics.Noop)
	assert.False(t, isNoop)
	_, installed := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, installed, "serve installs an sdk meter provider")

	_, err = newServices(context.Background(), config.Config{ProjectID: "p1", MetricsExporter: "statsd"})
	assert.Error(t, err)
}

func (c *cli) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	old := slog.Default()
	defer slog.SetDefault(old)

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--env-file", c.envFile}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSpellCommands(t *testing.T) {
	c := newCLI(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "echo.spell.json")
	writeJSON(t, file, echoSpell())

	out, err := c.run(t, "spell", "import", file)
	require.NoError(t, err)
	assert.Contains(t, out, "echo "+grimoire.HashNodes(echoSpell().Graph.Nodes))

	t.Run("import conflict", func(t *testing.T) {
		_, err := c.run(t, "spell", "import", file)
		var apiErr *client.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, 409, apiErr.StatusCode)

		_, err = c.run(t, "spell", "import", file, "--overwrite")
		assert.NoError(t, err)
	})

	t.Run("list", func(t *testing.T) {
		out, err := c.run(t, "spell", "list")
		require.NoError(t, err)
		assert.Contains(t, out, "NAME")
		assert.Contains(t, out, "echo")
	})

	t.Run("get", func(t *testing.T) {
		out, err := c.run(t, "spell", "get", "echo")
		require.NoError(t, err)
		assert.Equal(t, "echo", gjson.Get(out, "name").String())
		assert.Equal(t, "p1", gjson.Get(out, "projectId").String())
	})

	t.Run("export", func(t *testing.T) {
		exportDir := t.TempDir()
		out, err := c.run(t, "spell", "export", "echo", "--dir", exportDir)
		require.NoError(t, err)

		path := filepath.Join(exportDir, "echo.spell.json")
		assert.Contains(t, out, path)
		spell, err := readSpellFile(path)
		require.NoError(t, err)
		assert.Equal(t, "echo", spell.Name)
		assert.Len(t, spell.Graph.Nodes, 2)
	})

	t.Run("show", func(t *testing.T) {
		out, err := c.run(t, "spell", "show", "echo", "--plain")
		require.NoError(t, err)
		assert.Contains(t, out, "# echo")
		assert.Contains(t, out, "| 2 | Output | input ← 1.output |")
	})

	t.Run("run", func(t *testing.T) {
		out, err := c.run(t, "run", "echo", "--input", "in=hello", "--json")
		require.NoError(t, err)
		assert.Equal(t, "hello", gjson.Get(out, "out").String())
	})

	t.Run("run with bad input", func(t *testing.T) {
		_, err := c.run(t, "run", "echo", "--input", "nope")
		assert.Error(t, err)
	})

	t.Run("delete", func(t *testing.T) {
		_, err := c.run(t, "spell", "delete", "echo")
		require.NoError(t, err)

		_, err = c.run(t, "spell", "get", "echo")
		assert.True(t, client.IsNotFound(err))
	})
}

func TestDiffCommand(t *testing.T) {
	dir := t.TempDir()
	before := echoSpell()
	after := echoSpell()
	after.Name = "echo2"

	oldFile, newFile := filepath.Join(dir, "a.json"), filepath.Join(dir, "b.json")
	writeJSON(t, oldFile, before)
	writeJSON(t, newFile, after)

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"diff", oldFile, newFile})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Equal(t, "~ /name \"echo\" => \"echo2\"\n", out.String())

	t.Run("json", func(t *testing.T) {
		cmd := newRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"diff", "--json", oldFile, newFile})
		require.NoError(t, cmd.ExecuteContext(context.Background()))
		assert.JSONEq(t, `[{"p":["name"],"od":"echo","oi":"echo2"}]`, out.String())
	})

	t.Run("missing file", func(t *testing.T) {
		cmd := newRootCmd()
		cmd.SetOut(io.Discard)
		cmd.SetArgs([]string{"diff", oldFile, filepath.Join(dir, "missing.json")})
		assert.Error(t, cmd.ExecuteContext(context.Background()))
	})
}

func TestWatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := broker.Local()
	ready := make(chan struct{})
	done := make(chan error, 1)
	var got broker.Event
	go func() {
		done <- watch(ctx, b, "p1", func(events <-chan broker.Event) error {
			close(ready)
			got = <-events
			return nil
		})
	}()
	<-ready

	topic := b.Topic(ctx, broker.SpellsTopic)
	require.NoError(t, topic.Publish(ctx, broker.SpellDeleted{ProjectID: "other", Name: "x"}))
	require.NoError(t, topic.Publish(ctx, broker.SpellDeleted{ProjectID: "p1", Name: "y"}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
	e, ok := got.(broker.SpellDeleted)
	require.True(t, ok)
	assert.Equal(t, "p1", e.ProjectID)
	assert.Equal(t, "y", e.Name)
}

func TestWatch_RequiresNATS(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, nil, 0o600))
	t.Setenv("NATS_URL", "")

	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--env-file", envFile, "watch"})
	err := cmd.ExecuteContext(context.Background())
	assert.ErrorContains(t, err, "NATS_URL")
}
