package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected http address: %q", cfg.HTTPAddress)
	}
	if cfg.SaveDebounce != 3*time.Second {
		t.Fatalf("unexpected save debounce: %v", cfg.SaveDebounce)
	}
	if cfg.MaxResidentDocs != 1024 {
		t.Fatalf("unexpected resident cap: %d", cfg.MaxResidentDocs)
	}
	if cfg.RedisAddress != "" {
		t.Fatalf("expected redis to default off, got %q", cfg.RedisAddress)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]struct {
		key     string
		value   any
		wantErr string
	}{
		"missing_secret":     {key: "auth.signing_secret", value: "", wantErr: "signing_secret"},
		"empty_database":     {key: "database.path", value: "  ", wantErr: "database.path"},
		"zero_debounce":      {key: "sync.save_debounce", value: time.Duration(0), wantErr: "save_debounce"},
		"negative_grace":     {key: "sync.evict_grace", value: -time.Second, wantErr: "evict_grace"},
		"zero_resident_cap":  {key: "sync.max_resident_docs", value: 0, wantErr: "max_resident_docs"},
		"zero_lookup_budget": {key: "sync.session_lookup_timeout", value: time.Duration(0), wantErr: "session_lookup_timeout"},
	}

	for name, testCase := range cases {
		t.Run(name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set("auth.signing_secret", "secret")
			configViper.Set(testCase.key, testCase.value)

			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.wantErr, err)
			}
		})
	}
}
