package config

import (
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]string{"http://127.0.0.1:8888"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Port)
	}
	if cfg.BufSize != 1024 {
		t.Errorf("BufSize = %d, want 1024", cfg.BufSize)
	}
	if cfg.Timeout != 15*time.Second {
		t.Errorf("Timeout = %v, want 15s", cfg.Timeout)
	}
	if cfg.PlainText {
		t.Error("PlainText = true, want false by default")
	}
	if cfg.ListenAddr() != "127.0.0.1:9000" {
		t.Errorf("ListenAddr() = %q, want 127.0.0.1:9000", cfg.ListenAddr())
	}
}

func TestParseFlags(t *testing.T) {
	cfg, err := Parse([]string{
		"--port", "9999",
		"--filter-url", "https://example.org/list.txt",
		"--buf-size", "2048",
		"--timeout", "5",
		"--plain-text",
		"socks5://127.0.0.1:1080",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Port)
	}
	if cfg.FilterURL != "https://example.org/list.txt" {
		t.Errorf("FilterURL = %q", cfg.FilterURL)
	}
	if cfg.BufSize != 2048 {
		t.Errorf("BufSize = %d, want 2048", cfg.BufSize)
	}
	if cfg.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", cfg.Timeout)
	}
	if !cfg.PlainText {
		t.Error("PlainText = false, want true")
	}
}

func TestParseZeroTimeoutMeansNone(t *testing.T) {
	cfg, err := Parse([]string{"--timeout", "0", "http://127.0.0.1:8888"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Timeout != 0 {
		t.Errorf("Timeout = %v, want 0 (no timeout)", cfg.Timeout)
	}
}

func TestParseRejectsBadScheme(t *testing.T) {
	if _, err := Parse([]string{"ftp://127.0.0.1:21"}); err == nil {
		t.Error("expected error for unsupported proxy scheme")
	}
}

func TestParseRequiresRemote(t *testing.T) {
	if _, err := Parse([]string{"--port", "9000"}); err == nil {
		t.Error("expected error for missing REMOTE argument")
	}
}
