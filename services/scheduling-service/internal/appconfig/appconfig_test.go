package appconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CALENDAR_PROVIDER", "memory")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.Location.String() != "America/New_York" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Granularity != 30*time.Minute || cfg.ReminderInterval != 15*time.Minute || cfg.ReminderLeadTime != 3*time.Hour {
		t.Fatalf("unexpected durations %s %s %s", cfg.Granularity, cfg.ReminderInterval, cfg.ReminderLeadTime)
	}
	if len(cfg.Hours.Monday) != 1 || len(cfg.Hours.Saturday) != 0 {
		t.Fatalf("expected default weekday hours")
	}
	if cfg.TokenStore != "file" || cfg.EmailProvider != "none" {
		t.Fatalf("unexpected stores %s %s", cfg.TokenStore, cfg.EmailProvider)
	}
}

func TestLoad_GoogleNeedsCredentials(t *testing.T) {
	t.Setenv("CALENDAR_PROVIDER", "google")
	t.Setenv("GOOGLE_CLIENT_ID", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error without oauth client")
	}
	t.Setenv("GOOGLE_CLIENT_ID", "id")
	t.Setenv("GOOGLE_CLIENT_SECRET", "secret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GoogleRedirectURL != "http://localhost:8080/api/auth/google/callback" {
		t.Fatalf("unexpected redirect %s", cfg.GoogleRedirectURL)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string][2]string{
		"timezone":       {"CLINIC_TIMEZONE", "Mars/Olympus"},
		"token store":    {"TOKEN_STORE", "s3"},
		"postgres no db": {"TOKEN_STORE", "postgres"},
		"email provider": {"EMAIL_PROVIDER", "pigeon"},
		"hours":          {"BUSINESS_HOURS_JSON", `{"monday":[{"open":"17:00","close":"09:00"}]}`},
		"interval":       {"REMINDER_INTERVAL", "soon"},
		"port":           {"PORT", "99999"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("CALENDAR_PROVIDER", "memory")
			t.Setenv(kv[0], kv[1])
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", kv[0], kv[1])
			}
		})
	}
}

func TestLoad_HoursFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hours.json")
	if err := os.WriteFile(path, []byte(`{"saturday":[{"open":"10:00","close":"14:00"}]}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CALENDAR_PROVIDER", "memory")
	t.Setenv("BUSINESS_HOURS_FILE", path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Hours.Saturday) != 1 || len(cfg.Hours.Monday) != 0 {
		t.Fatalf("expected hours from file, got %+v", cfg.Hours)
	}
}

func TestParseTypeDurations(t *testing.T) {
	got, err := ParseTypeDurations("Consultation=60, cleaning=45m ,,")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got["consultation"] != time.Hour || got["cleaning"] != 45*time.Minute {
		t.Fatalf("unexpected %v", got)
	}
	for _, bad := range []string{"x", "=30", "a=-5", "a=later"} {
		if _, err := ParseTypeDurations(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
