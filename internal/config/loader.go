package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Validate] when the corresponding field is unset.
const (
	DefaultSampleRate          = 16000
	DefaultQueueCapacity       = 64
	DefaultAgentHistory        = 16
	DefaultEmbeddingDimensions = 256
)

// ValidLLMProviders lists known LLM provider names. Used by [Validate] to
// warn about unrecognised names.
var ValidLLMProviders = []string{"openai", "anyllm", "anthropic", "ollama", "gemini", "mistral", "mock"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values and fills in
// defaults for unset fields. It returns a joined error listing all
// validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Store
	if cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required"))
	}
	if cfg.Store.EmbeddingDimensions == 0 {
		cfg.Store.EmbeddingDimensions = DefaultEmbeddingDimensions
	}
	if cfg.Store.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("store.embedding_dimensions %d must not be negative", cfg.Store.EmbeddingDimensions))
	}

	// Annotators
	if cfg.Annotators.SampleRate == 0 {
		cfg.Annotators.SampleRate = DefaultSampleRate
	}
	if cfg.Annotators.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("annotators.sample_rate %d must be positive", cfg.Annotators.SampleRate))
	}
	if cfg.Annotators.ASR.URL == "" {
		errs = append(errs, errors.New("annotators.asr.url is required"))
	} else if err := validateWSURL("annotators.asr.url", cfg.Annotators.ASR.URL); err != nil {
		errs = append(errs, err)
	}
	if cfg.Annotators.SID.URL != "" {
		if err := validateWSURL("annotators.sid.url", cfg.Annotators.SID.URL); err != nil {
			errs = append(errs, err)
		}
	} else {
		slog.Warn("annotators.sid is not configured; segments will carry the unknown speaker")
	}
	if cfg.Annotators.SID.MinSimilarity < 0 || cfg.Annotators.SID.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("annotators.sid.min_similarity %.2f is out of range [0, 1]", cfg.Annotators.SID.MinSimilarity))
	}

	// KWS
	kws := &cfg.Annotators.KWS
	if kws.Mode == "" && kws.Enabled() {
		kws.Mode = KWSLocal
	}
	if kws.Mode != "" && !kws.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("annotators.kws.mode %q is invalid; valid values: local, remote", kws.Mode))
	}
	if kws.Mode == KWSRemote {
		if kws.URL == "" {
			errs = append(errs, errors.New("annotators.kws.url is required when mode is remote"))
		} else if err := validateWSURL("annotators.kws.url", kws.URL); err != nil {
			errs = append(errs, err)
		}
	}
	if kws.Mode == KWSLocal && len(kws.Keywords) == 0 {
		errs = append(errs, errors.New("annotators.kws.keywords is required when mode is local"))
	}
	if kws.SimilarityThreshold < 0 || kws.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("annotators.kws.similarity_threshold %.2f is out of range [0, 1]", kws.SimilarityThreshold))
	}

	// Session
	if cfg.Session.QueueCapacity == 0 {
		cfg.Session.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.Session.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("session.queue_capacity %d must be positive", cfg.Session.QueueCapacity))
	}
	if cfg.Session.SegmentDeadline < 0 {
		errs = append(errs, errors.New("session.segment_deadline must not be negative"))
	}
	switch cfg.Session.DeadlinePolicy {
	case "":
		cfg.Session.DeadlinePolicy = "force"
	case "force", "drop":
	default:
		errs = append(errs, fmt.Errorf("session.deadline_policy %q is invalid; valid values: force, drop", cfg.Session.DeadlinePolicy))
	}

	// Agent
	if cfg.Agent.Provider.Name != "" {
		validateProviderName(cfg.Agent.Provider.Name)
		if cfg.Agent.History == 0 {
			cfg.Agent.History = DefaultAgentHistory
		}
		if cfg.Agent.History < 0 {
			errs = append(errs, fmt.Errorf("agent.history %d must not be negative", cfg.Agent.History))
		}
		if !kws.Enabled() {
			slog.Warn("agent is configured but no keywords are set; no segment will ever be routed to it")
		}
	}

	return errors.Join(errs...)
}

// validateWSURL checks that raw is a parseable ws:// or wss:// URL.
func validateWSURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%s scheme %q is invalid; must be ws or wss", field, u.Scheme)
	}
	return nil
}

// validateProviderName logs a warning if name is not in [ValidLLMProviders].
func validateProviderName(name string) {
	if slices.Contains(ValidLLMProviders, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"name", name,
		"known", ValidLLMProviders,
	)
}
