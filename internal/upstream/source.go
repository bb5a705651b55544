// Package upstream fetches order book snapshots from the exchange REST API.
package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/YaganovValera/snapshot-broadcaster/internal/snapshot"
	"github.com/YaganovValera/snapshot-broadcaster/pkg/backoff"
)

// Source returns the raw current state of a topic. The payload is opaque
// to callers and forwarded unchanged.
type Source interface {
	FetchSnapshot(ctx context.Context, topic snapshot.Topic, limit int) ([]byte, error)
}

// FetchError reports an upstream failure for one topic.
type FetchError struct {
	Topic snapshot.Topic
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("upstream: fetch %s: %v", e.Topic, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// StatusError is a non-2xx HTTP reply.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Config describes the upstream endpoint and the topics watched at startup.
type Config struct {
	BaseURL string         `mapstructure:"base_url"`
	Symbols []string       `mapstructure:"symbols"`
	Limit   int            `mapstructure:"limit"`
	Timeout time.Duration  `mapstructure:"timeout"`
	Backoff backoff.Config `mapstructure:"backoff"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.bitfinex.com/v2"
	}
	if c.Limit <= 0 {
		c.Limit = 25
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// Validate checks required fields after defaults.
func (c Config) Validate() error {
	for _, s := range c.Symbols {
		if s == "" {
			return fmt.Errorf("upstream: empty symbol in symbols")
		}
	}
	return nil
}
