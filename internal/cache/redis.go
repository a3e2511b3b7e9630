// Package cache implements the projection cache: a thread-safe, shared,
// Redis-backed mirror of run.Projection keyed by run ID, so that the edge
// adapter can serve status reads without touching the document store on
// every request.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eladsalama/reporunner/internal/run"
)

const (
	defaultTTL = 24 * time.Hour
	keyPrefix  = "runstatus:"
)

// Option is a functional option argument to NewClient().
type Option func(*Client)

// WithTTL sets the cache entry time-to-live to ttl.
func WithTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.ttl = ttl
	}
}

// Client is a thread-safe projection cache backed by Redis. Every write path
// updates the document store first and the cache second; the cache is never
// authoritative.
type Client struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewClient wraps an existing Redis client for projection storage. The
// caller owns rdb's lifecycle (construction and Close).
func NewClient(rdb *redis.Client, options ...Option) *Client {
	c := Client{
		rdb: rdb,
		ttl: defaultTTL,
	}
	for _, option := range options {
		option(&c)
	}
	return &c
}

func key(runID string) string {
	return keyPrefix + runID
}

// Set stores the projection for runID, resetting the entry TTL.
func (c *Client) Set(ctx context.Context, runID string, proj run.Projection) error {
	b, err := json.Marshal(proj)
	if err != nil {
		return fmt.Errorf("couldn't marshal projection: %w", err)
	}
	if err := c.rdb.Set(ctx, key(runID), b, c.ttl).Err(); err != nil {
		return fmt.Errorf("couldn't set projection cache entry: %w", err)
	}
	return nil
}

// Get retrieves the projection for runID. If the entry doesn't exist or has
// expired, the second return value is false.
func (c *Client) Get(ctx context.Context, runID string) (run.Projection, bool, error) {
	var proj run.Projection
	b, err := c.rdb.Get(ctx, key(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return proj, false, nil
	}
	if err != nil {
		return proj, false, fmt.Errorf("couldn't get projection cache entry: %w", err)
	}
	if err := json.Unmarshal(b, &proj); err != nil {
		return proj, false, fmt.Errorf("couldn't unmarshal projection: %w", err)
	}
	return proj, true, nil
}

// Delete removes the projection for runID, if present.
func (c *Client) Delete(ctx context.Context, runID string) error {
	if err := c.rdb.Del(ctx, key(runID)).Err(); err != nil {
		return fmt.Errorf("couldn't delete projection cache entry: %w", err)
	}
	return nil
}
