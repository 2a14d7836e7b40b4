package config

import (
	"fmt"
	"net/url"
	"strings"
)

// validSSLModes are the sslmode values accepted by libpq/pgx.
var validSSLModes = map[string]struct{}{
	"disable":     {},
	"allow":       {},
	"prefer":      {},
	"require":     {},
	"verify-ca":   {},
	"verify-full": {},
}

// Validate checks the configuration for internally consistent values.
// It returns the first violation found, wrapped around a sentinel error.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.PostgresHost) == "" {
		return fmt.Errorf("%w: host must not be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: port %d out of range 1-65535", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if strings.TrimSpace(c.PostgresDBName) == "" {
		return fmt.Errorf("%w: database name must not be empty", ErrInvalidPostgresDBName)
	}
	if _, ok := validSSLModes[c.PostgresSSLMode]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	if err := validateBaseURL(c.Search.BaseURL); err != nil {
		return err
	}
	if c.Search.TimeoutMs <= 0 {
		return fmt.Errorf("%w: search timeout_ms must be positive, got %d", ErrInvalidTimeout, c.Search.TimeoutMs)
	}
	if c.Answer.GenerateTimeoutMs <= 0 {
		return fmt.Errorf("%w: answer generate_timeout_ms must be positive, got %d", ErrInvalidTimeout, c.Answer.GenerateTimeoutMs)
	}

	for _, m := range []string{c.ResponseModel, c.TagsModel, c.FollowUpModel, c.TitleModel, c.Retrieval.ExtendModel} {
		if !strings.Contains(m, "/") {
			return fmt.Errorf("%w: %q (want provider/model)", ErrInvalidModelName, m)
		}
	}
	if strings.TrimSpace(c.EmbedderModel) == "" {
		return fmt.Errorf("%w: embedder model must not be empty", ErrInvalidEmbedderModel)
	}

	if c.Dimension < 1 || c.Dimension > c.RawDimension {
		return fmt.Errorf("%w: dimension %d must be in [1, raw_dimension=%d]",
			ErrInvalidDimension, c.Dimension, c.RawDimension)
	}

	if c.Retrieval.TopK < 1 {
		return fmt.Errorf("%w: retrieval top_k must be >= 1, got %d", ErrInvalidTopK, c.Retrieval.TopK)
	}
	if c.Retrieval.PreRerankK < c.Retrieval.TopK {
		return fmt.Errorf("%w: pre_rerank_k %d must be >= top_k %d",
			ErrInvalidTopK, c.Retrieval.PreRerankK, c.Retrieval.TopK)
	}

	return nil
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSearchURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q (want http or https)", ErrInvalidSearchURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidSearchURL)
	}
	return nil
}
