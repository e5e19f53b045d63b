// Package config holds process-wide configuration, populated from flags with
// environment fallbacks.
package config

import (
	"flag"
	"os"
	"time"
)

const (
	DefaultOllamaURL = "http://localhost:11434"
	DefaultModel     = "qwen2.5-coder:7b"
	DefaultStoreDSN  = "promptloom.db"
	DefaultTemplates = "templates"
	DefaultTimeout   = 120 * time.Second
)

// Config is passed explicitly to constructors; nothing reads it from
// ambient globals.
type Config struct {
	OllamaURL      string
	Model          string
	Timeout        time.Duration
	StoreDSN       string // empty selects the in-memory store
	TemplatesDir   string
	Listen         string // empty disables the HTTP API
	ConversationID string
	LogDir         string
	Debug          bool

	// Options are forwarded verbatim to the Ollama chat endpoint.
	Options map[string]any
}

// DefaultOptions mirrors the inference tuning the backend is usually run
// with; -num-ctx overrides the context window.
func DefaultOptions(numCtx int) map[string]any {
	return map[string]any{
		"num_ctx": numCtx,
	}
}

// FromFlags parses command-line flags, falling back to PROMPTLOOM_*
// environment variables, then to built-in defaults.
func FromFlags() Config {
	var cfg Config
	var numCtx int

	flag.StringVar(&cfg.OllamaURL, "ollama-url", envOr("PROMPTLOOM_OLLAMA_URL", DefaultOllamaURL), "Base URL of the Ollama server")
	flag.StringVar(&cfg.Model, "model", envOr("PROMPTLOOM_MODEL", DefaultModel), "Model identifier (format: model:version)")
	flag.DurationVar(&cfg.Timeout, "timeout", DefaultTimeout, "Inference request timeout")
	flag.StringVar(&cfg.StoreDSN, "db", envOr("PROMPTLOOM_DB", DefaultStoreDSN), "SQLite database path (empty for in-memory)")
	flag.StringVar(&cfg.TemplatesDir, "templates", envOr("PROMPTLOOM_TEMPLATES", DefaultTemplates), "Directory of template definition files")
	flag.StringVar(&cfg.Listen, "listen", envOr("PROMPTLOOM_LISTEN", ""), "HTTP API listen address (empty to disable)")
	flag.StringVar(&cfg.ConversationID, "conversation-id", "", "Resume an existing conversation by ID")
	flag.StringVar(&cfg.LogDir, "log-dir", "logs", "Directory for rotated log files")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	flag.IntVar(&numCtx, "num-ctx", 4096, "Model context window forwarded to Ollama")
	flag.Parse()

	cfg.Options = DefaultOptions(numCtx)
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
