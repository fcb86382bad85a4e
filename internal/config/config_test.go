package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"faculty/internal/config"
	"faculty/internal/logging"
	"faculty/internal/rpc"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	chdir(t, t.TempDir())

	cfg, err := config.Load(config.LoadOptions{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Endpoint.Tuning.ResendAfter != 7500*time.Millisecond || cfg.Endpoint.DedupWindow != 512 ||
		cfg.Endpoint.MaxLineBytes != rpc.DefaultMaxLineBytes {
		t.Fatalf("unexpected defaults %+v", cfg.Endpoint)
	}
	if cfg.Server.TCPListen != ":7400" || cfg.Cache.Backend != "memory" {
		t.Fatalf("unexpected server defaults %+v %+v", cfg.Server, cfg.Cache)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
version: "1.0"
endpoint:
  expose_stack_traces: true
  timeouts:
    call: 45s
  tuning:
    ack_delay: 50ms
server:
  tcp_listen: ":9000"
`)
	t.Setenv("FACULTY_SERVER_WS_PATH", "/rpc")

	cfg, err := config.Load(config.LoadOptions{ConfigFile: path})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Endpoint.ExposeStackTraces || cfg.Endpoint.Timeouts.Call != 45*time.Second {
		t.Fatalf("file values not applied: %+v", cfg.Endpoint)
	}
	if cfg.Server.TCPListen != ":9000" || cfg.Server.WSPath != "/rpc" {
		t.Fatalf("unexpected server config %+v", cfg.Server)
	}

	opts := cfg.EndpointOptions(logging.Discard())
	if opts.Tuning.AckDelay != 50*time.Millisecond || opts.Tuning.MaxResends != 3 || !opts.ExposeStackTraces {
		t.Fatalf("unexpected endpoint options %+v", opts)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := config.Load(config.LoadOptions{ConfigFile: filepath.Join(t.TempDir(), "nope.yaml")}); err == nil {
		t.Fatalf("expected an error for a missing explicit config")
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	path := writeConfig(t, `
version: "9"
server:
  ws_path: "rpc"
client:
  url: "http://example.com"
cache:
  backend: "redis"
`)
	cfg, err := config.Load(config.LoadOptions{ConfigFile: path})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	err = cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"version", "ws_path", "scheme", "redis.url"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestSplitURL(t *testing.T) {
	scheme, addr, err := config.SplitURL("tcp://127.0.0.1:7400")
	if err != nil || scheme != "tcp" || addr != "127.0.0.1:7400" {
		t.Fatalf("tcp: %q %q %v", scheme, addr, err)
	}
	scheme, addr, err = config.SplitURL("wss://host/faculty")
	if err != nil || scheme != "wss" || addr != "wss://host/faculty" {
		t.Fatalf("wss: %q %q %v", scheme, addr, err)
	}
	if _, _, err := config.SplitURL("tcp:///nohost"); err == nil {
		t.Fatalf("expected missing host error")
	}
}

func TestApplyFile_CopiesValidConfig(t *testing.T) {
	src := writeConfig(t, "version: \"1.0\"\nserver:\n  tcp_listen: \":1\"\n")
	dst := filepath.Join(t.TempDir(), "home", ".faculty", "config.yaml")
	if err := config.ApplyFile(src, dst); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read applied: %v", err)
	}
	want, _ := os.ReadFile(src)
	if !bytes.Equal(got, want) {
		t.Fatalf("applied file differs")
	}

	bad := writeConfig(t, "cache:\n  backend: \"disk\"\n")
	if err := config.ApplyFile(bad, dst); err == nil {
		t.Fatalf("expected invalid config to be refused")
	}
}

func TestEncode_RoundTrips(t *testing.T) {
	path := writeConfig(t, "endpoint:\n  tuning:\n    loop_drain: 5s\n")
	cfg, err := config.Load(config.LoadOptions{ConfigFile: path})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var buf bytes.Buffer
	if err := cfg.Encode(&buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(buf.String(), "loop_drain: 5s") {
		t.Fatalf("expected durations to be written readably:\n%s", buf.String())
	}
	again, err := config.Load(config.LoadOptions{ConfigFile: writeConfig(t, buf.String())})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Endpoint.Tuning.LoopDrain != 5*time.Second {
		t.Fatalf("round trip lost loop_drain: %s", again.Endpoint.Tuning.LoopDrain)
	}
}
