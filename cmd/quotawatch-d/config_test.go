package main

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_PollIntervalValidation(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		envVars     map[string]string
		expectError bool
		errorSubstr string
	}{
		{
			name:        "valid poll interval from flag",
			args:        []string{"-poll-interval", "5s"},
			expectError: false,
		},
		{
			name:        "zero poll interval from flag",
			args:        []string{"-poll-interval", "0s"},
			expectError: true,
			errorSubstr: "poll interval must be positive",
		},
		{
			name:        "negative poll interval from flag",
			args:        []string{"-poll-interval", "-5s"},
			expectError: true,
			errorSubstr: "poll interval must be positive",
		},
		{
			name:        "valid poll interval from env",
			envVars:     map[string]string{"QUOTAWATCH_POLL_INTERVAL": "5s"},
			expectError: false,
		},
		{
			name:        "zero poll interval from env",
			envVars:     map[string]string{"QUOTAWATCH_POLL_INTERVAL": "0s"},
			expectError: true,
			errorSubstr: "QUOTAWATCH_POLL_INTERVAL must be positive",
		},
		{
			name:        "negative poll interval from env",
			envVars:     map[string]string{"QUOTAWATCH_POLL_INTERVAL": "-5s"},
			expectError: true,
			errorSubstr: "QUOTAWATCH_POLL_INTERVAL must be positive",
		},
		{
			name:        "invalid poll interval format from flag",
			args:        []string{"-poll-interval", "invalid"},
			expectError: true,
			errorSubstr: "invalid poll interval",
		},
		{
			name:        "invalid poll interval format from env",
			envVars:     map[string]string{"QUOTAWATCH_POLL_INTERVAL": "invalid"},
			expectError: true,
			errorSubstr: "invalid QUOTAWATCH_POLL_INTERVAL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			cfg, err := LoadConfig(tt.args)

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error containing %q, got nil", tt.errorSubstr)
				} else if !strings.Contains(err.Error(), tt.errorSubstr) {
					t.Errorf("expected error containing %q, got %q", tt.errorSubstr, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				} else if cfg.PollInterval <= 0 {
					t.Errorf("expected positive poll interval, got %v", cfg.PollInterval)
				}
			}
		})
	}
}

func TestLoadConfig_SilentAuthTimeoutValidation(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		envVars     map[string]string
		expectError bool
		errorSubstr string
	}{
		{
			name:        "zero timeout from flag",
			args:        []string{"-silent-auth-timeout", "0s"},
			expectError: true,
			errorSubstr: "silent auth timeout must be positive",
		},
		{
			name:        "negative timeout from env",
			envVars:     map[string]string{"QUOTAWATCH_SILENT_AUTH_TIMEOUT": "-1s"},
			expectError: true,
			errorSubstr: "QUOTAWATCH_SILENT_AUTH_TIMEOUT must be positive",
		},
		{
			name:        "valid timeout from flag",
			args:        []string{"-silent-auth-timeout", "30s"},
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			cfg, err := LoadConfig(tt.args)

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error containing %q, got nil", tt.errorSubstr)
				} else if !strings.Contains(err.Error(), tt.errorSubstr) {
					t.Errorf("expected error containing %q, got %q", tt.errorSubstr, err.Error())
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			} else if cfg.SilentAuthTimeout != 30*time.Second {
				t.Errorf("expected 30s silent auth timeout, got %v", cfg.SilentAuthTimeout)
			}
		})
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig([]string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.PollInterval != 60*time.Second {
		t.Errorf("expected default poll interval of 60s, got %v", cfg.PollInterval)
	}
	if cfg.SilentAuthTimeout != 15*time.Second {
		t.Errorf("expected default silent auth timeout of 15s, got %v", cfg.SilentAuthTimeout)
	}
	if cfg.Addr != "127.0.0.1:8090" {
		t.Errorf("unexpected default addr: %q", cfg.Addr)
	}
	if cfg.RedisAddr != "" {
		t.Errorf("expected Redis sink disabled by default, got %q", cfg.RedisAddr)
	}
}

func TestLoadConfig_PortEnvFallback(t *testing.T) {
	os.Setenv("QUOTAWATCH_PORT", "9191")
	defer os.Unsetenv("QUOTAWATCH_PORT")

	cfg, err := LoadConfig([]string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != "127.0.0.1:9191" {
		t.Errorf("expected port env to shape addr, got %q", cfg.Addr)
	}
}
