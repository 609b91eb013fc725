package model

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// FailoverConnector prefers primary and falls back when primary fails to
// connect. Canceled connects are not retried on the fallback. Fallbacks reports
// how many connections the fallback served.
type FailoverConnector struct {
	primary   Connector
	fallback  Connector
	fallbacks atomic.Int64
}

func NewFailoverConnector(primary, fallback Connector) *FailoverConnector {
	return &FailoverConnector{primary: primary, fallback: fallback}
}

func (c *FailoverConnector) Name() string {
	return c.primary.Name() + "+" + c.fallback.Name()
}

func (c *FailoverConnector) Fallbacks() int64 { return c.fallbacks.Load() }

func (c *FailoverConnector) Connect(ctx context.Context, cfg Config) (Connection, error) {
	conn, prErr := c.primary.Connect(ctx, cfg)
	if prErr == nil {
		return conn, nil
	}
	if errors.Is(prErr, context.Canceled) || ctx.Err() != nil {
		return nil, prErr
	}
	conn, fbErr := c.fallback.Connect(ctx, cfg)
	if fbErr != nil {
		return nil, fmt.Errorf("%s failed: %v; %s failed: %w", c.primary.Name(), prErr, c.fallback.Name(), fbErr)
	}
	c.fallbacks.Add(1)
	return conn, nil
}
