package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestParseByteSize(t *testing.T) {
	tests := map[string]ByteSize{
		"1024":   1024,
		"64KiB":  64 << 10,
		"1 GiB":  1 << 30,
		"100 MB": 100 * 1000 * 1000,
	}
	for input, want := range tests {
		got, err := ParseByteSize(input)
		if err != nil {
			t.Fatalf("parse %q: %v", input, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %d, got %d", input, want, got)
		}
	}
	for _, input := range []string{"", "lots", "-5"} {
		if _, err := ParseByteSize(input); err == nil {
			t.Fatalf("expected error for %q", input)
		}
	}
}

func TestParseDuration(t *testing.T) {
	got, err := ParseDuration(" 1m30s ")
	if err != nil || got.Std() != 90*time.Second {
		t.Fatalf("unexpected duration %v err=%v", got, err)
	}
	if _, err := ParseDuration("-1s"); err == nil {
		t.Fatalf("expected negative duration to fail")
	}
}

func TestSplitList(t *testing.T) {
	got := SplitList(" a, ,b ,c")
	if !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected list %v", got)
	}
	if SplitList("") != nil {
		t.Fatalf("expected nil for empty list")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessionhost.yaml")
	payload := strings.Join([]string{
		"server:",
		"  listen: 0.0.0.0:9000",
		"  idle_timeout: 45s",
		"session:",
		"  interpreter: [python3, -i, -u]",
		"  pty: false",
		"  output_lines: 500",
		"lock:",
		"  strategy: link",
		"  stale_timeout: 1m",
		"upload:",
		"  max_size: 2GiB",
		"websocket:",
		"  allowed_origins: [example.com]",
		"",
	}, "\n")
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	file, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if file.Server.Listen == nil || *file.Server.Listen != "0.0.0.0:9000" {
		t.Fatalf("unexpected listen %v", file.Server.Listen)
	}
	if file.Server.IdleTimeout == nil || file.Server.IdleTimeout.Std() != 45*time.Second {
		t.Fatalf("unexpected idle timeout %v", file.Server.IdleTimeout)
	}
	if !reflect.DeepEqual(file.Session.Interpreter, []string{"python3", "-i", "-u"}) {
		t.Fatalf("unexpected interpreter %v", file.Session.Interpreter)
	}
	if file.Session.PTY == nil || *file.Session.PTY {
		t.Fatalf("expected pty=false")
	}
	if file.Upload.MaxSize == nil || *file.Upload.MaxSize != 2<<30 {
		t.Fatalf("unexpected max size %v", file.Upload.MaxSize)
	}
	if file.Lock.Refresh != nil || file.Server.StateDir != nil {
		t.Fatalf("expected unset fields to stay nil")
	}
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server:\n  listne: x\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected unknown key error")
	}

	if err := os.WriteFile(path, []byte("upload:\n  max_size: huge\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected size error")
	}
}

func TestLoadFileMissingOrEmpty(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err != nil {
		t.Fatalf("missing file: %v", err)
	}
	path := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFile(path); err != nil {
		t.Fatalf("empty file: %v", err)
	}
}

func TestDotEnvLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("SESSIONHOST_LISTEN=127.0.0.1:1\nSESSIONHOST_LOG_LEVEL=debug\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	values, err := ReadDotEnv(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	t.Setenv("SESSIONHOST_LOG_LEVEL", "warning")

	lookup := EnvLookup(nil, values)
	if value, ok := lookup("SESSIONHOST_LISTEN"); !ok || value != "127.0.0.1:1" {
		t.Fatalf("expected dotenv value, got %q", value)
	}
	if value, _ := lookup("SESSIONHOST_LOG_LEVEL"); value != "warning" {
		t.Fatalf("expected environment to win, got %q", value)
	}
	if _, ok := lookup("SESSIONHOST_UNSET_FOR_TEST"); ok {
		t.Fatalf("expected unset key")
	}

	missing, err := ReadDotEnv(filepath.Join(t.TempDir(), "nope"))
	if err != nil || missing != nil {
		t.Fatalf("expected missing dotenv to be ignored, got %v %v", missing, err)
	}
}

func TestEnvKey(t *testing.T) {
	if got := EnvKey("stale-timeout"); got != "SESSIONHOST_STALE_TIMEOUT" {
		t.Fatalf("unexpected key %q", got)
	}
}
