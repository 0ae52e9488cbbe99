package boot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Env     string `env:"ENV,default=dev"`
	BaseURL string `env:"BASE_URL,required"`
	DataDir string `env:"DATA_DIR"`
	Server  struct {
		Port        string `env:"PORT,default=8080"`
		MetricsPort string `env:"METRICS_PORT,default=8081"`
		Origins     string `env:"ALLOWED_ORIGINS,default=*"`
	}
	Dispatch struct {
		BatchSize       int           `env:"BATCH_SIZE,default=50"`
		MaxAttempts     int           `env:"MAX_RETRY_ATTEMPTS,default=3"`
		RetryDelay      time.Duration `env:"RETRY_DELAY,default=1h"`
		RetryableCodes  string        `env:"RETRYABLE_STATUS_CODES,default=408 429 500 502 503 504"`
		RelayInboxes    string        `env:"RELAY_INBOXES"`
		SendConcurrency int           `env:"SEND_CONCURRENCY,default=8"`
		SendRate        float64       `env:"SEND_RATE,default=20"`
	}
	Moderation struct {
		DisallowedKeywords string `env:"DISALLOWED_KEYWORDS"`
	}
}

func Load() (*Config, error) {
	config := &Config{}
	if err := envconfig.Process(context.Background(), config); err != nil {
		return nil, fmt.Errorf("parsing env vars: %w", err)
	}
	return config, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "prod"
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "dev"
}

func (c *Config) DataDirectory() string {
	return c.DataDir
}

// RetryableStatusCodes parses the configured code list; entries that are not
// integers are ignored.
func (c *Config) RetryableStatusCodes() map[int]bool {
	codes := make(map[int]bool)
	for _, field := range strings.Fields(strings.ReplaceAll(c.Dispatch.RetryableCodes, ",", " ")) {
		code, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		codes[code] = true
	}
	return codes
}

func (c *Config) Relays() []string {
	return splitList(c.Dispatch.RelayInboxes)
}

func (c *Config) Disallowed() []string {
	return splitList(c.Moderation.DisallowedKeywords)
}

func splitList(value string) []string {
	items := []string{}
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
