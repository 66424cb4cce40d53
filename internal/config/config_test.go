package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(viper.New())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPPort != "8081" {
		t.Errorf("HTTPPort = %q", cfg.HTTPPort)
	}
	if cfg.MaxUploadBytes != 50<<20 {
		t.Errorf("MaxUploadBytes = %d", cfg.MaxUploadBytes)
	}
	if cfg.Face.TrainTimeout != 5*time.Minute || cfg.Face.DetectTimeout != 30*time.Second || cfg.Face.RecognizeTimeout != time.Minute {
		t.Errorf("unexpected face timeouts: %+v", cfg.Face)
	}
	if cfg.AnalyticsBasis != "snapshot" {
		t.Errorf("AnalyticsBasis = %q", cfg.AnalyticsBasis)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Mongo")
	t.Setenv("FACE_SERVICE_URL", "http://face:5000/")
	t.Setenv("FACE_TRAIN_TIMEOUT", "10m")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")

	cfg, err := load(viper.New())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreBackend != "mongo" {
		t.Errorf("StoreBackend = %q", cfg.StoreBackend)
	}
	if cfg.Face.BaseURL != "http://face:5000" {
		t.Errorf("BaseURL = %q", cfg.Face.BaseURL)
	}
	if cfg.Face.TrainTimeout != 10*time.Minute {
		t.Errorf("TrainTimeout = %s", cfg.Face.TrainTimeout)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b.test" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "sqlite")
	if _, err := load(viper.New()); err == nil {
		t.Fatal("expected error for unknown store backend")
	}
}

func TestLoadRejectsDevKeyInProduction(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	if _, err := load(viper.New()); err == nil {
		t.Fatal("expected error for default signing key in production")
	}

	t.Setenv("JWT_SIGNING_KEY", "a-real-production-secret")
	cfg, err := load(viper.New())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Production() {
		t.Error("expected production config")
	}
}
