package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/maxillocare/healing/internal/config"
	"github.com/maxillocare/healing/internal/platform/auth"
	"github.com/maxillocare/healing/internal/platform/db"
	"github.com/maxillocare/healing/internal/platform/events"
	"github.com/maxillocare/healing/internal/platform/imagestore"
	"github.com/maxillocare/healing/internal/platform/vision"
)

func TestCommands(t *testing.T) {
	mig := migrateCmd()
	names := map[string]bool{}
	for _, c := range mig.Commands() {
		names[c.Name()] = true
		if f := c.Flags().Lookup("dir"); f == nil || f.DefValue != "./migrations" {
			t.Errorf("migrate %s: expected --dir flag defaulting to ./migrations", c.Name())
		}
	}
	if !names["up"] || !names["status"] {
		t.Errorf("expected up and status subcommands, got %v", names)
	}
	if serveCmd().Use != "serve" {
		t.Error("expected serve command")
	}
}

func TestPrintStatus(t *testing.T) {
	applied := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var buf bytes.Buffer
	printStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "core", Applied: true, AppliedAt: &applied},
		{Version: 2, Name: "healing_analysis"},
	})
	out := buf.String()
	if !strings.Contains(out, "applied") || !strings.Contains(out, "2026-01-02 03:04:05") {
		t.Errorf("expected applied row, got:\n%s", out)
	}
	if !strings.Contains(out, "pending") {
		t.Errorf("expected pending row, got:\n%s", out)
	}
}

func TestNewImageStore_Local(t *testing.T) {
	cfg := &config.Config{StorageBackend: "local", UploadDir: t.TempDir()}
	store, err := newImageStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.(*imagestore.LocalStore); !ok {
		t.Errorf("expected *imagestore.LocalStore, got %T", store)
	}
}

func TestNewImageStore_Unknown(t *testing.T) {
	cfg := &config.Config{StorageBackend: "ftp"}
	if _, err := newImageStore(context.Background(), cfg); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestNewPublisher(t *testing.T) {
	if _, ok := newPublisher(&config.Config{}).(events.Noop); !ok {
		t.Error("expected Noop publisher without brokers")
	}
	p := newPublisher(&config.Config{KafkaBrokers: []string{"localhost:9092"}, KafkaAnalysisTopic: "t"})
	if _, ok := p.(*events.KafkaPublisher); !ok {
		t.Errorf("expected *events.KafkaPublisher, got %T", p)
	}
	_ = p.Close()
}

func TestNewVisionClient(t *testing.T) {
	store, _ := imagestore.NewLocalStore(t.TempDir())

	c, err := newVisionClient(&config.Config{}, store, zerolog.Nop())
	if !errors.Is(err, vision.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if c != nil {
		t.Error("expected nil client without an API key")
	}

	if _, err := newVisionClient(&config.Config{GeminiAPIKey: "   "}, store, zerolog.Nop()); !errors.Is(err, vision.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured for a blank key, got %v", err)
	}

	c, err = newVisionClient(&config.Config{GeminiAPIKey: "key"}, store, zerolog.Nop())
	if err != nil || c == nil {
		t.Fatalf("expected client, got %v", err)
	}
}

func TestTracingConfig_InsecureOutsideProduction(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"development", true},
		{"staging", true},
		{"production", false},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			tc := tracingConfig(&config.Config{Env: tt.env, OTLPEndpoint: "otel:4318", TraceSampleRate: 0.5})
			if tc.Insecure != tt.want {
				t.Errorf("Insecure = %v, want %v", tc.Insecure, tt.want)
			}
			if tc.ServiceName != serviceName || tc.Environment != tt.env || tc.SampleRate != 0.5 {
				t.Errorf("unexpected config %+v", tc)
			}
		})
	}
}

func TestAnalyzeRateLimit(t *testing.T) {
	rl := analyzeRateLimit(&config.Config{AnalyzeRateLimitRPS: 0.2, AnalyzeRateLimitBurst: 3})
	if rl.RequestsPerSecond != 0.2 || rl.BurstSize != 3 || rl.KeyFunc == nil {
		t.Errorf("unexpected config %+v", rl)
	}

	rl = analyzeRateLimit(&config.Config{})
	if rl.RequestsPerSecond <= 0 || rl.BurstSize <= 0 {
		t.Errorf("expected defaults, got %+v", rl)
	}
}

func TestRequestTimeoutExceedsVisionTimeout(t *testing.T) {
	cfg := &config.Config{VisionTimeout: 60 * time.Second}
	if requestTimeout(cfg) <= cfg.VisionTimeout {
		t.Error("request timeout must exceed the vision timeout")
	}
}

func TestAuthMiddleware_DevAllowsAnonymous(t *testing.T) {
	mw := authMiddleware(&config.Config{Env: "development"})

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	var got auth.Requester
	err := mw(func(c echo.Context) error {
		got, _ = auth.RequesterFromContext(c.Request().Context())
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Role != auth.RoleDoctor {
		t.Errorf("expected dev doctor, got %+v", got)
	}
}

func TestAuthMiddleware_ProductionRequiresToken(t *testing.T) {
	mw := authMiddleware(&config.Config{Env: "production", AuthSigningKey: strings.Repeat("k", 32)})

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	err := mw(func(echo.Context) error { return nil })(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", err)
	}
}
