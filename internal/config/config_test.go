package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ACCOUNTS", "")
	t.Setenv("REDDIT_CLIENT_ID", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("default port = %d, want 3000", cfg.Server.Port)
	}
	if cfg.Pipeline.Concurrency != 5 {
		t.Errorf("default concurrency = %d, want 5", cfg.Pipeline.Concurrency)
	}
	if cfg.Pipeline.ClusterSimilarity != 0.7 {
		t.Errorf("default similarity = %v, want 0.7", cfg.Pipeline.ClusterSimilarity)
	}
	if cfg.Collector.CronExpr != "*/1 * * * *" {
		t.Errorf("default cron = %q", cfg.Collector.CronExpr)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("ORCH_CONCURRENCY", "12")
	t.Setenv("CLUSTER_SIMILARITY_THRESHOLD", "0.85")
	t.Setenv("COLLECTOR_SUBSOURCES", "startups, smallbusiness ,golang")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Pipeline.Concurrency != 12 {
		t.Errorf("concurrency = %d, want 12", cfg.Pipeline.Concurrency)
	}
	if cfg.Pipeline.ClusterSimilarity != 0.85 {
		t.Errorf("similarity = %v, want 0.85", cfg.Pipeline.ClusterSimilarity)
	}
	want := []string{"startups", "smallbusiness", "golang"}
	if len(cfg.Collector.SubSources) != len(want) {
		t.Fatalf("subsources = %v, want %v", cfg.Collector.SubSources, want)
	}
	for i := range want {
		if cfg.Collector.SubSources[i] != want[i] {
			t.Errorf("subsources[%d] = %q, want %q", i, cfg.Collector.SubSources[i], want[i])
		}
	}
}

func TestLoadAccountsJSON(t *testing.T) {
	t.Setenv("ACCOUNTS", `[{"clientId":"a","clientSecret":"s1","username":"u1","password":"p1"},{"clientId":"b","clientSecret":"s2","username":"u2","password":"p2"}]`)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Reddit.Credentials) != 2 {
		t.Fatalf("credentials = %d, want 2", len(cfg.Reddit.Credentials))
	}
	if cfg.Reddit.Credentials[1].ClientID != "b" {
		t.Errorf("second credential clientId = %q, want b", cfg.Reddit.Credentials[1].ClientID)
	}
}

func TestLoadAccountsMalformed(t *testing.T) {
	t.Setenv("ACCOUNTS", `{not json`)

	if _, err := Load(""); err == nil {
		t.Fatal("expected error for malformed ACCOUNTS")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"zero port", "PORT", "0"},
		{"zero concurrency", "ORCH_CONCURRENCY", "0"},
		{"similarity above one", "CLUSTER_SIMILARITY_THRESHOLD", "1.5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := Load(""); err == nil {
				t.Errorf("expected validation error for %s=%s", tc.key, tc.value)
			}
		})
	}
}
