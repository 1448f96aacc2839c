package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	// Pin a clean environment so host credentials don't flip defaults.
	for _, key := range []string{"OPENAI_API_KEY", "OPENAI_BASE_URL", "ANTHROPIC_API_KEY", "LLM_PROVIDER", "ARBOR_CONFIG"} {
		t.Setenv(key, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Buffer.MaxTurns != 15 {
		t.Fatalf("max_turns = %d", cfg.Buffer.MaxTurns)
	}
	if cfg.Buffer.StartThreshold != 15 || cfg.Buffer.Interval != 5 {
		t.Fatalf("summarization defaults = %d/%d", cfg.Buffer.StartThreshold, cfg.Buffer.Interval)
	}
	if cfg.Retrieval.WindowSeconds != 60 || cfg.Retrieval.TopK != 5 {
		t.Fatalf("retrieval defaults = %v/%d", cfg.Retrieval.WindowSeconds, cfg.Retrieval.TopK)
	}
	if cfg.Embeddings.Dimensions != 384 {
		t.Fatalf("dimensions = %d", cfg.Embeddings.Dimensions)
	}
	if cfg.Provider != "echo" {
		t.Fatalf("credential-less default provider = %q", cfg.Provider)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BUFFER_MAX_TURNS", "5")
	t.Setenv("SUMMARY_START_THRESHOLD", "10")
	t.Setenv("SUMMARY_INTERVAL", "2")
	t.Setenv("RETRIEVAL_WINDOW_SECONDS", "30.5")
	t.Setenv("RETRIEVAL_ENABLED", "true")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("CHAT_MODEL", "gpt-test")
	t.Setenv("DECOMPOSITION_MODEL", "gpt-small")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Buffer.MaxTurns != 5 || cfg.Buffer.StartThreshold != 10 || cfg.Buffer.Interval != 2 {
		t.Fatalf("buffer cfg = %+v", cfg.Buffer)
	}
	if cfg.Retrieval.WindowSeconds != 30.5 || !cfg.Retrieval.EnabledDefault {
		t.Fatalf("retrieval cfg = %+v", cfg.Retrieval)
	}
	if cfg.Provider != "openai" || cfg.OpenAI.Model != "gpt-test" || cfg.OpenAI.DecompositionModel != "gpt-small" {
		t.Fatalf("provider cfg = %+v", cfg.OpenAI)
	}
}

func TestLoadYAMLFileWithEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arbor.yaml")
	if err := os.WriteFile(path, []byte("buffer:\n  max_turns: 7\nretrieval:\n  top_k: 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ARBOR_CONFIG", path)
	t.Setenv("BUFFER_MAX_TURNS", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Buffer.MaxTurns != 3 {
		t.Fatalf("env must win over yaml, got %d", cfg.Buffer.MaxTurns)
	}
	if cfg.Retrieval.TopK != 9 {
		t.Fatalf("yaml value lost, got %d", cfg.Retrieval.TopK)
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "ouija")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
