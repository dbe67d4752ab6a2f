package main

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"sessionhost/internal/config"
	"sessionhost/internal/filelock"
	"sessionhost/internal/logging"
)

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func isolatedArgs(t *testing.T, args ...string) []string {
	t.Helper()
	dir := t.TempDir()
	return append([]string{
		"-config", filepath.Join(dir, "missing.yaml"),
		"-env-file", filepath.Join(dir, "missing.env"),
	}, args...)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(isolatedArgs(t), mapLookup(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != defaultListen || cfg.ControlListen != defaultControlListen {
		t.Fatalf("unexpected listeners %q %q", cfg.Listen, cfg.ControlListen)
	}
	if cfg.StaleTimeout != filelock.DefaultStaleTimeout || cfg.LockStrategy != filelock.StrategyAuto {
		t.Fatalf("unexpected lock defaults %s %s", cfg.StaleTimeout, cfg.LockStrategy)
	}
	if len(cfg.Interpreter) == 0 {
		t.Fatalf("expected default interpreter")
	}
	if cfg.Sources["listen"] != sourceDefault || cfg.Sources["config"] != sourceFlag {
		t.Fatalf("unexpected sources %v", cfg.Sources)
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "sessionhost.yaml")
	payload := strings.Join([]string{
		"server:",
		"  listen: 127.0.0.1:9001",
		"  state_dir: /var/lib/file",
		"session:",
		"  interpreter: [python3, -i]",
		"lock:",
		"  strategy: link",
		"  stale_timeout: 2m",
		"upload:",
		"  max_size: 10MiB",
		"",
	}, "\n")
	if err := os.WriteFile(configPath, []byte(payload), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("SESSIONHOST_STATE_DIR=/var/lib/dotenv\nSESSIONHOST_UPLOAD_QUEUE=3\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}

	env := mapLookup(map[string]string{
		"SESSIONHOST_CONFIG":          configPath,
		"SESSIONHOST_ENV_FILE":        envPath,
		"SESSIONHOST_LISTEN":          "127.0.0.1:9002",
		"SESSIONHOST_UPLOAD_QUEUE":    "5",
		"SESSIONHOST_LOG_LEVEL":       "warning",
		"SESSIONHOST_IDLE_TIMEOUT":    "",
		"SESSIONHOST_LOCK_REFRESH":    "10s",
		"SESSIONHOST_ALLOWED_ORIGINS": "a.example, b.example",
	})
	cfg, err := loadConfig([]string{"-listen", "127.0.0.1:9003", "-pty=false", "-verbose"}, env)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Listen != "127.0.0.1:9003" || cfg.Sources["listen"] != sourceFlag {
		t.Fatalf("expected flag to win, got %q (%s)", cfg.Listen, cfg.Sources["listen"])
	}
	if cfg.StateDir != "/var/lib/dotenv" || cfg.Sources["state-dir"] != sourceEnv {
		t.Fatalf("expected dotenv to beat file, got %q (%s)", cfg.StateDir, cfg.Sources["state-dir"])
	}
	if cfg.UploadQueue != 5 {
		t.Fatalf("expected environment to beat dotenv, got %d", cfg.UploadQueue)
	}
	if !reflect.DeepEqual(cfg.Interpreter, []string{"python3", "-i"}) || cfg.Sources["interpreter"] != sourceFile {
		t.Fatalf("unexpected interpreter %v (%s)", cfg.Interpreter, cfg.Sources["interpreter"])
	}
	if cfg.LockStrategy != filelock.StrategyLink || cfg.StaleTimeout != 2*time.Minute {
		t.Fatalf("unexpected lock config %s %s", cfg.LockStrategy, cfg.StaleTimeout)
	}
	if cfg.LockRefresh != 10*time.Second {
		t.Fatalf("unexpected lock refresh %s", cfg.LockRefresh)
	}
	if cfg.MaxUploadSize != 10<<20 {
		t.Fatalf("unexpected upload size %d", cfg.MaxUploadSize)
	}
	if cfg.PTY {
		t.Fatalf("expected -pty=false")
	}
	if cfg.LogLevel != logging.LevelDebug {
		t.Fatalf("expected verbose to override log level, got %s", cfg.LogLevel)
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{"a.example", "b.example"}) {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.IdleTimeout != defaultConfig().IdleTimeout {
		t.Fatalf("expected blank env value to be ignored, got %s", cfg.IdleTimeout)
	}
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := map[string]struct {
		args []string
		env  map[string]string
		want string
	}{
		"bad flag size":  {args: []string{"-max-upload-size", "lots"}, want: "--max-upload-size"},
		"bad env level":  {env: map[string]string{"SESSIONHOST_LOG_LEVEL": "loud"}, want: "SESSIONHOST_LOG_LEVEL"},
		"zero queue":     {args: []string{"-upload-queue", "0"}, want: "--upload-queue"},
		"bad strategy":   {args: []string{"-lock-strategy", "paxos"}, want: "--lock-strategy"},
		"refresh>=stale": {args: []string{"-stale-timeout", "10s", "-lock-refresh", "10s"}, want: "lock refresh"},
		"bad address":    {args: []string{"-listen", "nowhere"}, want: "--listen"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := loadConfig(isolatedArgs(t, tc.args...), mapLookup(tc.env))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadConfigControlListenOff(t *testing.T) {
	cfg, err := loadConfig(isolatedArgs(t, "-control-listen", "off"), mapLookup(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ControlListen != "" {
		t.Fatalf("expected control listener disabled, got %q", cfg.ControlListen)
	}
}

func TestLoadConfigHelpAndVersion(t *testing.T) {
	if _, err := loadConfig([]string{"-h"}, mapLookup(nil)); !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("expected flag.ErrHelp, got %v", err)
	}
	cfg, err := loadConfig(isolatedArgs(t, "--version"), mapLookup(nil))
	if err != nil || !cfg.ShowVersion {
		t.Fatalf("expected version request, got %+v err=%v", cfg.ShowVersion, err)
	}
	if _, err := loadConfig([]string{"stray"}, mapLookup(nil)); err == nil {
		t.Fatalf("expected positional argument error")
	}
}

func TestPrintHelpListsEnvKeys(t *testing.T) {
	var out strings.Builder
	printHelp(&out, defaultConfig())
	for _, want := range []string{"--stale-timeout DURATION", "SESSIONHOST_STALE_TIMEOUT", "--pty", "Locks:"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("help output missing %q:\n%s", want, out.String())
		}
	}
}
