package app

import (
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("ETH_RPC_URL", "http://localhost:8545")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("POSTGRES_URL", "postgres://localhost/test")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.RequiredConfirmations != 8 {
		t.Fatalf("expected 8 confirmations, got %d", cfg.RequiredConfirmations)
	}
	if cfg.ConfirmationDeadline != 300*time.Second || cfg.PollInterval != 15*time.Second {
		t.Fatalf("unexpected timing: deadline=%s interval=%s", cfg.ConfirmationDeadline, cfg.PollInterval)
	}
	if cfg.ClientWait != 25*time.Second || cfg.ChainCallTimeout != 10*time.Second {
		t.Fatalf("unexpected waits: client=%s call=%s", cfg.ClientWait, cfg.ChainCallTimeout)
	}
	if cfg.LedgerDriver != "postgres" {
		t.Fatalf("expected postgres driver, got %s", cfg.LedgerDriver)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("ETH_RPC_URL", "http://localhost:8545")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("LEDGER_DRIVER", "memory")
	t.Setenv("REQUIRED_CONFIRMATIONS", "12")
	t.Setenv("CLIENT_WAIT", "0s")
	t.Setenv("TELEGRAM_ALERT_CHAT_ID", "-100123")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.RequiredConfirmations != 12 || cfg.ClientWait != 0 || cfg.TelegramAlertChatID != -100123 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"missing rpc":      {"JWT_SECRET": "s", "LEDGER_DRIVER": "memory"},
		"missing pg url":   {"ETH_RPC_URL": "x", "JWT_SECRET": "s"},
		"unknown driver":   {"ETH_RPC_URL": "x", "JWT_SECRET": "s", "LEDGER_DRIVER": "sqlite"},
		"deadline too low": {"ETH_RPC_URL": "x", "JWT_SECRET": "s", "LEDGER_DRIVER": "memory", "CONFIRMATION_DEADLINE": "5s"},
		"bot without chat": {"ETH_RPC_URL": "x", "JWT_SECRET": "s", "LEDGER_DRIVER": "memory", "TELEGRAM_TOKEN": "t"},
	}

	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"ETH_RPC_URL", "JWT_SECRET", "LEDGER_DRIVER", "POSTGRES_URL", "CONFIRMATION_DEADLINE"} {
				t.Setenv(k, "")
			}
			for k, v := range vars {
				t.Setenv(k, v)
			}
			if _, err := LoadConfig(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
