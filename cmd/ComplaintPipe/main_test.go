package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/ComplaintPipe/internal/genai"
	"github.com/BTreeMap/ComplaintPipe/internal/messaging"
)

// clearEnv unsets every key the tests rely on so the host environment cannot
// leak in. Keys set to "" would still count as present.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"API_ADDR", "STATE_DIR", "DATABASE_DSN", "ACK_MODE", "PAIRING_WINDOW", "OPENAI_API_KEY",
		"SPREADSHEET_ID", "META_ACCESS_TOKEN", "TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER",
		"COMPLAINTPIPE_API_ADDR", "COMPLAINTPIPE_STATE_DIR", "COMPLAINTPIPE_ACK_MODE",
	} {
		old, ok := os.LookupEnv(key)
		os.Unsetenv(key)
		if ok {
			t.Cleanup(func() { os.Setenv(key, old) })
		}
	}
}

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	clearEnv(t)
	config, err := loadEnvironmentConfig()
	if err != nil {
		t.Fatalf("loadEnvironmentConfig failed: %v", err)
	}
	if config.APIAddr != ":8080" || config.StateDir != "/var/lib/complaintpipe" {
		t.Errorf("unexpected defaults %+v", config)
	}
	if config.PairingWindow != 60*time.Second || config.DedupMaxSize != 10000 || config.SweepInterval != 30*time.Second {
		t.Errorf("unexpected pairing defaults: window %s, dedup %d, sweep %s", config.PairingWindow, config.DedupMaxSize, config.SweepInterval)
	}
	if config.SweepGrace != time.Hour {
		t.Errorf("expected 1h sweep grace, got %s", config.SweepGrace)
	}
	if !config.ReversePairing || config.AckMode != AckModeNone || config.SheetName != "Complaints" {
		t.Errorf("unexpected defaults %+v", config)
	}
}

func TestLoadEnvironmentConfigPrefixedAndPlainKeys(t *testing.T) {
	clearEnv(t)
	t.Setenv("API_ADDR", ":9000")
	t.Setenv("COMPLAINTPIPE_STATE_DIR", "/srv/complaints")
	t.Setenv("STATE_DIR", "/ignored")
	t.Setenv("PAIRING_WINDOW", "45s")

	config, err := loadEnvironmentConfig()
	if err != nil {
		t.Fatalf("loadEnvironmentConfig failed: %v", err)
	}
	if config.APIAddr != ":9000" {
		t.Errorf("expected plain key to be read, got %q", config.APIAddr)
	}
	if config.StateDir != "/srv/complaints" {
		t.Errorf("expected prefixed key to win, got %q", config.StateDir)
	}
	if config.PairingWindow != 45*time.Second {
		t.Errorf("expected 45s window, got %s", config.PairingWindow)
	}
}

func TestLoadEnvironmentConfigInvalidValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("PAIRING_WINDOW", "soon")
	if _, err := loadEnvironmentConfig(); err == nil {
		t.Error("expected invalid duration to be rejected")
	}
}

func TestParseCommandLineFlagsOverrides(t *testing.T) {
	base := Config{APIAddr: ":8080", StateDir: "/var/lib/complaintpipe", PairingWindow: time.Minute, AckMode: "none"}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	config, err := parseCommandLineFlags(fs, []string{"-api-addr", ":7000", "-state-dir", "/tmp/cp", "-ack-mode", "Twilio"}, base)
	if err != nil {
		t.Fatalf("parseCommandLineFlags failed: %v", err)
	}
	if config.APIAddr != ":7000" || config.StateDir != "/tmp/cp" || config.AckMode != AckModeTwilio {
		t.Errorf("flags not applied: %+v", config)
	}
	if config.DatabaseDSN != filepath.Join("/tmp/cp", DefaultDBFileName) {
		t.Errorf("expected archive DSN under the flag state dir, got %q", config.DatabaseDSN)
	}
	wantWA := "file:" + filepath.Join("/tmp/cp", DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	if config.WhatsAppDBDSN != wantWA {
		t.Errorf("expected WhatsApp DSN %q, got %q", wantWA, config.WhatsAppDBDSN)
	}
}

func TestFinalizeRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"unknown ack mode", Config{StateDir: "/x", PairingWindow: time.Minute, AckMode: "sms"}},
		{"zero window", Config{StateDir: "/x", AckMode: "none"}},
		{"empty state dir", Config{PairingWindow: time.Minute}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.config
			if err := c.finalize(); err == nil {
				t.Errorf("expected %+v to be rejected", tt.config)
			}
		})
	}
}

func TestArchiveDSN(t *testing.T) {
	if got := (Config{DatabaseDSN: MemoryDSN}).archiveDSN(); got != "" {
		t.Errorf("expected memory DSN to select the in-memory store, got %q", got)
	}
	if got := (Config{DatabaseDSN: "/data/c.db"}).archiveDSN(); got != "/data/c.db" {
		t.Errorf("unexpected DSN %q", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewClassifierWithoutKey(t *testing.T) {
	clearEnv(t)
	c, err := newClassifier(Config{OpenAIModel: "gpt-4o-mini", ClassifierMaxAttempts: 3})
	if err != nil {
		t.Fatalf("newClassifier failed: %v", err)
	}
	if _, ok := c.(genai.Unavailable); !ok {
		t.Errorf("expected the unavailable classifier, got %T", c)
	}
}

func TestNewMediaResolverWithoutToken(t *testing.T) {
	r, err := newMediaResolver(Config{})
	if err != nil || r != nil {
		t.Errorf("expected no resolver, got %v, %v", r, err)
	}
	r, err = newMediaResolver(Config{MetaAccessToken: "token", MetaGraphVersion: "v20.0"})
	if err != nil || r == nil {
		t.Errorf("expected a graph resolver, got %v, %v", r, err)
	}
}

func TestNewMessagingService(t *testing.T) {
	clearEnv(t)
	svc, err := newMessagingService(context.Background(), Config{AckMode: AckModeNone})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := svc.(messaging.NoopService); !ok {
		t.Errorf("expected NoopService, got %T", svc)
	}

	if _, err := newMessagingService(context.Background(), Config{AckMode: AckModeTwilio}); err == nil {
		t.Error("expected missing Twilio credentials to be reported")
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	clearEnv(t)
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	config := Config{
		APIAddr:           "127.0.0.1:0",
		StateDir:          t.TempDir(),
		DatabaseDSN:       MemoryDSN,
		PairingWindow:     time.Minute,
		ReversePairing:    true,
		DedupMaxSize:      100,
		SweepInterval:     time.Second,
		SweepGrace:        time.Minute,
		RateLimitRPS:      5,
		RateLimitBurst:    10,
		MaxConcurrent:     2,
		DownstreamTimeout: time.Second,
		OpenAIModel:       "gpt-4o-mini",
		AckMode:           AckModeNone,
	}
	if err := config.finalize(); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := run(ctx, config); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}
