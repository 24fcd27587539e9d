package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskbridge/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if content != "" {
		if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	return dir
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	dir := writeConfig(t, "")
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.BindAddr != "127.0.0.1:8787" {
		t.Errorf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.DBPath != filepath.Join(dir, "taskbridge.db") {
		t.Errorf("db_path = %q", cfg.DBPath)
	}
	if cfg.WorkspaceRoot != filepath.Join(dir, "workspace") {
		t.Errorf("workspace_root = %q", cfg.WorkspaceRoot)
	}
	if cfg.ExecutionMode != config.ExecutionModeAgent {
		t.Errorf("execution_mode = %q", cfg.ExecutionMode)
	}
	if cfg.LogMode != config.LogModeRedacted {
		t.Errorf("log_mode = %q", cfg.LogMode)
	}
	if cfg.Agent.Command != "opencode" || cfg.Agent.TokenEnv != "TASKBRIDGE_SCM_TOKEN" {
		t.Errorf("agent defaults = %+v", cfg.Agent)
	}
	if cfg.Policy.MaxChangedFiles != 50 {
		t.Errorf("max_changed_files = %d", cfg.Policy.MaxChangedFiles)
	}
	if cfg.WorkerCount != 2 || cfg.PollIntervalSeconds != 5 || cfg.MaxJobAttempts != 3 {
		t.Errorf("queue defaults = %d/%d/%d", cfg.WorkerCount, cfg.PollIntervalSeconds, cfg.MaxJobAttempts)
	}
	if cfg.ReconcileCron != "*/5 * * * *" || cfg.WatchdogCron != "*/10 * * * *" {
		t.Errorf("cron defaults = %q / %q", cfg.ReconcileCron, cfg.WatchdogCron)
	}
	if cfg.PRTimeout() != 240*time.Minute {
		t.Errorf("pr timeout = %s", cfg.PRTimeout())
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := writeConfig(t, `
bind_addr: "0.0.0.0:9900"
execution_mode: comment
log_mode: full
policy:
  max_changed_files: 10
  deny_globs:
    - ".env"
    - "secrets/**"
agent:
  command: my-agent
  model: big-one
pr_timeout_minutes: 60
`)
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.BindAddr != "0.0.0.0:9900" {
		t.Errorf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.ExecutionMode != config.ExecutionModeComment {
		t.Errorf("execution_mode = %q", cfg.ExecutionMode)
	}
	if cfg.LogMode != config.LogModeFull {
		t.Errorf("log_mode = %q", cfg.LogMode)
	}
	if cfg.Policy.MaxChangedFiles != 10 || len(cfg.Policy.DenyGlobs) != 2 {
		t.Errorf("policy = %+v", cfg.Policy)
	}
	if cfg.Agent.Command != "my-agent" || cfg.Agent.Model != "big-one" {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	// Unset fields still get their defaults.
	if cfg.Agent.TokenEnv != "TASKBRIDGE_SCM_TOKEN" {
		t.Errorf("token_env = %q", cfg.Agent.TokenEnv)
	}
	if cfg.PRTimeout() != time.Hour {
		t.Errorf("pr timeout = %s", cfg.PRTimeout())
	}
}

func TestLoad_RejectsBadEnums(t *testing.T) {
	for name, content := range map[string]string{
		"execution_mode": "execution_mode: dry-run\n",
		"log_mode":       "log_mode: verbose\n",
	} {
		t.Run(name, func(t *testing.T) {
			dir := writeConfig(t, content)
			if _, err := config.Load(dir); err == nil || !strings.Contains(err.Error(), name) {
				t.Fatalf("expected %s validation error, got %v", name, err)
			}
		})
	}
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	dir := writeConfig(t, "bind_addr: [unclosed\n")
	if _, err := config.Load(dir); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFingerprint_TracksContent(t *testing.T) {
	dir := writeConfig(t, "")
	a, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, err := config.Load(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical config must fingerprint identically")
	}

	c := a
	c.BindAddr = "127.0.0.1:1"
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatal("changed config must fingerprint differently")
	}
}

func TestTokenGetters(t *testing.T) {
	dir := writeConfig(t, "")
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Setenv("TASKBRIDGE_TRACKER_TOKEN", "trk")
	t.Setenv("TASKBRIDGE_SCM_TOKEN", "scm")

	if cfg.TrackerToken() != "trk" {
		t.Errorf("tracker token = %q", cfg.TrackerToken())
	}
	if cfg.SCMToken() != "scm" {
		t.Errorf("scm token = %q", cfg.SCMToken())
	}
	if cfg.PushToken() != "scm" {
		t.Errorf("push token = %q", cfg.PushToken())
	}
}

func TestDefaultHomeDir_EnvOverride(t *testing.T) {
	t.Setenv("TASKBRIDGE_HOME", "/tmp/tb-home")
	if got := config.DefaultHomeDir(); got != "/tmp/tb-home" {
		t.Fatalf("home = %q", got)
	}
}
