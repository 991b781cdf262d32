// Package redis implements the ledger's condition cache, signal bus, archive
// lock, rate limiter and replay guard on go-redis/v9.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// Every key lives under keyPrefix, one namespace per concern:
//
//	ctfledger:condition:<condition id>   cached condition JSON
//	ctfledger:lock:<name>                archive and relay locks
//	ctfledger:ratelimit:<subject>        sliding-window request log
//	ctfledger:replay:<request key>       signed requests already served
//
// Pub/sub channels and streams are named by the signal bus.
const keyPrefix = "ctfledger:"

type namespace string

const (
	nsCondition namespace = "condition"
	nsLock      namespace = "lock"
	nsRateLimit namespace = "ratelimit"
	nsReplay    namespace = "replay"
)

func key(ns namespace, id string) string {
	return keyPrefix + string(ns) + ":" + id
}

// clientName shows up in CLIENT LIST on the server.
const clientName = "ctfledger"

// Client is the shared connection every Redis-backed component is built on.
type Client struct {
	rdb *redis.Client
}

// New connects and pings. A server that cannot be reached is an error so the
// ledger never starts with caching or rate limiting silently missing.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		ClientName: clientName,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: connect %s: %w", cfg.Addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// Ping is the health check.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
