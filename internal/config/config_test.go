package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
endpoint:
  url: https://endpoint.example.com
  token: secret
channels:
  telegram:
    enabled: true
    bot_token: tg-token
logging:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Endpoint.URL != "https://endpoint.example.com" {
		t.Errorf("Endpoint.URL = %q", cfg.Endpoint.URL)
	}
	if cfg.Endpoint.Timeout != 5*time.Minute {
		t.Errorf("Endpoint.Timeout = %v, want default", cfg.Endpoint.Timeout)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:8790" {
		t.Errorf("Server.HTTPAddr = %q, want default", cfg.Server.HTTPAddr)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.BotToken != "tg-token" {
		t.Errorf("Telegram = %+v", cfg.Channels.Telegram)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TURNSTILE_TEST_TOKEN", "expanded-secret")
	path := writeConfig(t, `
endpoint:
  url: https://endpoint.example.com
  token: ${TURNSTILE_TEST_TOKEN}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Endpoint.Token != "expanded-secret" {
		t.Errorf("Endpoint.Token = %q, want expanded value", cfg.Endpoint.Token)
	}
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing endpoint url", Config{}},
		{"telegram without token", Config{
			Endpoint: EndpointConfig{URL: "https://e"},
			Channels: ChannelsConfig{Telegram: TelegramConfig{Enabled: true}},
		}},
		{"slack without app token", Config{
			Endpoint: EndpointConfig{URL: "https://e"},
			Channels: ChannelsConfig{Slack: SlackConfig{Enabled: true, BotToken: "xoxb"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); err == nil {
				t.Error("Validate() error = nil, want failure")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() on missing file: error = nil, want failure")
	}
}
