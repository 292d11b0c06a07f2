package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Mode != "api" {
		t.Errorf("Mode = %q, want %q", cfg.Mode, "api")
	}
	if cfg.APIKeyFailureThreshold != 3 {
		t.Errorf("APIKeyFailureThreshold = %d, want 3", cfg.APIKeyFailureThreshold)
	}
	if cfg.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want 0 (meaning: try every known key)", cfg.MaxRetries)
	}
	if cfg.CheckHealthAfterCoolDown {
		t.Errorf("CheckHealthAfterCoolDown = true, want false by default")
	}
}

func TestListenAddr(t *testing.T) {
	cfg := &Config{Host: "127.0.0.1", Port: 9090}
	if got, want := cfg.ListenAddr(), "127.0.0.1:9090"; got != want {
		t.Errorf("ListenAddr() = %q, want %q", got, want)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := &Config{
		RequestTimeoutSeconds:     30,
		ConcurrencyTimeoutSeconds: 5,
		KeyInUseTimeoutSeconds:    120,
		NoKeyWaitSeconds:          0.25,
	}

	if got, want := cfg.RequestTimeout().Seconds(), 30.0; got != want {
		t.Errorf("RequestTimeout() = %vs, want %vs", got, want)
	}
	if got, want := cfg.ConcurrencyTimeout().Seconds(), 5.0; got != want {
		t.Errorf("ConcurrencyTimeout() = %vs, want %vs", got, want)
	}
	if got, want := cfg.KeyInUseTimeout().Seconds(), 120.0; got != want {
		t.Errorf("KeyInUseTimeout() = %vs, want %vs", got, want)
	}
	if got, want := cfg.NoKeyWait().Seconds(), 0.25; got != want {
		t.Errorf("NoKeyWait() = %vs, want %vs", got, want)
	}
}
