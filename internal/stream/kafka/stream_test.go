package kafka

import (
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	cfg := Config{Brokers: []string{"127.0.0.1:9092"}}
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Fetch.MaxWait != time.Second {
		t.Fatalf("default fetch max wait = %s", cfg.Fetch.MaxWait)
	}
	if cfg.Fetch.MinBytes != 1 || cfg.Fetch.MaxBytes != 50<<20 {
		t.Fatalf("default fetch sizes = %d/%d", cfg.Fetch.MinBytes, cfg.Fetch.MaxBytes)
	}
}

func TestConfigValidateRejectsMissingBrokers(t *testing.T) {
	if err := (Config{}).Validate(); err == nil {
		t.Fatalf("expected error for missing brokers")
	}
}

func TestConfigValidateRejectsUnknownSASLMechanism(t *testing.T) {
	cfg := Config{
		Brokers: []string{"127.0.0.1:9092"},
		Auth:    AuthConfig{SASL: SASLConfig{Enabled: true, Mechanism: "digest-md5"}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for unsupported mechanism")
	}
	for _, m := range []string{"plain", "scram-sha-256", "scram-sha-512"} {
		cfg.Auth.SASL.Mechanism = m
		if err := cfg.Validate(); err != nil {
			t.Fatalf("mechanism %s rejected: %v", m, err)
		}
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Fatalf("expected error for empty config")
	}
}
