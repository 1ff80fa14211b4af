package beaconclient

import (
	"context"
	"fmt"

	"github.com/esrf-bcu/beacon/internal/wire"
)

// RedisAddress is the Redis endpoint Beacon advertises to its clients.
type RedisAddress struct {
	Host string
	Port string
}

// GetRedisConnectionAddress returns the cluster's Redis endpoint, querying
// the server the first time and caching the answer thereafter
// (connection.py get_redis_connection_address, default timeout 1s).
func (c *Client) GetRedisConnectionAddress(ctx context.Context) (RedisAddress, error) {
	c.redisMu.Lock()
	if c.redisHost != "" {
		addr := RedisAddress{Host: c.redisHost, Port: c.redisPort}
		c.redisMu.Unlock()
		return addr, nil
	}
	pending := c.redisPending
	if pending == nil {
		pending = make(chan struct{})
		c.redisPending = pending
	}
	c.redisMu.Unlock()

	ctx, cancel := withDefault(ctx, DefaultRedisAddrTimeout)
	defer cancel()

	if err := c.currentConn().WriteFrame(wire.Frame{Type: wire.RedisAddrQuery}); err != nil {
		return RedisAddress{}, err
	}

	select {
	case <-pending:
		c.redisMu.Lock()
		addr := RedisAddress{Host: c.redisHost, Port: c.redisPort}
		c.redisMu.Unlock()
		if addr.Host == "" {
			return RedisAddress{}, ErrClosed
		}
		return addr, nil
	case <-ctx.Done():
		return RedisAddress{}, fmt.Errorf("beaconclient: get redis address: %w", ctx.Err())
	}
}
