package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mind-engage/mindengage-testengine/internal/config"
	"github.com/mind-engage/mindengage-testengine/internal/exam"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != config.ModeOffline || cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Engine.CacheTTL != 24*time.Hour || cfg.Engine.FinishedRetention != 5*time.Minute || cfg.Engine.AutoSaveInterval != 30*time.Second {
		t.Fatalf("engine durations = %+v", cfg.Engine)
	}
	pre := cfg.Policy(exam.PreTest)
	if !pre.SingleAttempt || !pre.OneTimeSubmission {
		t.Fatalf("pre_test policy = %+v", pre)
	}

	ec := cfg.EngineSettings()
	if !ec.ApprovalRequired[exam.PostTest] || ec.ApprovalRequired[exam.PreTest] {
		t.Fatalf("approval map = %v", ec.ApprovalRequired)
	}
	if ec.RetakePolicies[exam.PostTest].RetakeCooldownHours != 24 || !ec.Offline {
		t.Fatalf("engine settings = %+v", ec)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	yaml := `
mode: online
auth:
  hmac_secret: from-file-secret
engine:
  time_limit: 45m
  shuffle_questions: false
retake:
  post_test:
    one_time_submission: true
    admin_controlled_retake: true
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DATABASE_URL", "postgres://db/testengine")
	t.Setenv("ENGINE_MAX_SUBMIT_RETRIES", "5")

	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != config.ModeOnline || cfg.Auth.HMACSecret != "from-file-secret" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Engine.TimeLimit != 45*time.Minute || cfg.Engine.ShuffleQuestions {
		t.Fatalf("engine = %+v", cfg.Engine)
	}
	if cfg.Remote.DSN != "postgres://db/testengine" || cfg.Engine.MaxSubmitRetries != 5 {
		t.Fatalf("env overrides missing: dsn=%q retries=%d", cfg.Remote.DSN, cfg.Engine.MaxSubmitRetries)
	}
	if !cfg.Policy(exam.PostTest).AdminControlledRetake {
		t.Fatalf("post_test policy = %+v", cfg.Policy(exam.PostTest))
	}
	if cfg.EngineSettings().Offline {
		t.Fatalf("online mode must not report offline")
	}
}

func TestLoadOnlineRequiresSecret(t *testing.T) {
	t.Setenv("MODE", "online")
	_, err := config.Load(t.TempDir())
	if !errors.Is(err, config.ErrMissingSecret) {
		t.Fatalf("want ErrMissingSecret, got %v", err)
	}
}
