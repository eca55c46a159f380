package doctor

import (
	"context"
	"testing"
	"time"

	"github.com/basket/taskpulse/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		HomeDir:  t.TempDir(),
		BindAddr: "127.0.0.1:0",
		Schedules: config.SchedulesConfig{
			Motivation: "0 9 * * *",
			Report:     "0 20 * * *",
		},
	}
}

func TestRun_HealthyEnvironment(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	cfg := testConfig(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	d := Run(ctx, cfg, "test")
	if len(d.Results) != 6 {
		t.Fatalf("results = %d, want 6 checks", len(d.Results))
	}
	// Network may WARN offline, but nothing should FAIL outright.
	if !d.Healthy() {
		t.Fatalf("diagnosis unhealthy: %+v", d.Results)
	}
	if d.System.OS == "" || d.System.Go == "" {
		t.Fatalf("system info incomplete: %+v", d.System)
	}
}

func TestCheckConfig(t *testing.T) {
	if r := checkConfig(context.Background(), nil); r.Status != "FAIL" {
		t.Fatalf("nil config status = %s, want FAIL", r.Status)
	}

	cfg := testConfig(t)
	cfg.NeedsGenesis = true
	if r := checkConfig(context.Background(), cfg); r.Status != "WARN" {
		t.Fatalf("genesis status = %s, want WARN", r.Status)
	}

	cfg.NeedsGenesis = false
	if r := checkConfig(context.Background(), cfg); r.Status != "PASS" {
		t.Fatalf("loaded status = %s, want PASS", r.Status)
	}
}

func TestCheckAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	cfg := testConfig(t)

	r := checkAPIKey(context.Background(), cfg)
	if r.Status != "WARN" {
		t.Fatalf("missing key status = %s, want WARN", r.Status)
	}

	t.Setenv("GEMINI_API_KEY", "test-key")
	r = checkAPIKey(context.Background(), cfg)
	if r.Status != "PASS" {
		t.Fatalf("present key status = %s, want PASS", r.Status)
	}
}

func TestCheckSchedules(t *testing.T) {
	cfg := testConfig(t)
	if r := checkSchedules(context.Background(), cfg); r.Status != "PASS" {
		t.Fatalf("valid schedules status = %s: %s", r.Status, r.Message)
	}

	cfg.Schedules.Report = "whenever"
	if r := checkSchedules(context.Background(), cfg); r.Status != "FAIL" {
		t.Fatalf("bad expression status = %s, want FAIL", r.Status)
	}
}

func TestCheckDatabaseAndPermissions(t *testing.T) {
	cfg := testConfig(t)

	if r := checkDatabase(context.Background(), cfg); r.Status != "PASS" {
		t.Fatalf("database status = %s: %s", r.Status, r.Message)
	}
	if r := checkPermissions(context.Background(), cfg); r.Status != "PASS" {
		t.Fatalf("permissions status = %s: %s", r.Status, r.Message)
	}
}

func TestCheckNetwork_NilConfig(t *testing.T) {
	if r := checkNetwork(context.Background(), nil); r.Status != "SKIP" {
		t.Fatalf("nil config status = %s, want SKIP", r.Status)
	}
}

func TestCheckNetwork_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if r := checkNetwork(ctx, testConfig(t)); r.Status != "WARN" {
		t.Fatalf("canceled lookup status = %s, want WARN", r.Status)
	}
}
