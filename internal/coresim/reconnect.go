package coresim

import (
	"context"
	"fmt"
	"log"
	"time"
)

// ReconnectConfig holds reconnection parameters
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int // 0 = infinite
}

// DefaultReconnectConfig returns sensible defaults for reconnection
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  0, // Infinite
	}
}

// RunWithReconnect keeps the simulated Core connected, redialing with
// exponential backoff whenever the relay connection drops.
func (c *Core) RunWithReconnect(ctx context.Context, cfg *ReconnectConfig) error {
	if cfg == nil {
		cfg = DefaultReconnectConfig()
	}

	attempt := 0
	delay := cfg.InitialDelay

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		attempt++

		if cfg.MaxAttempts > 0 && attempt > cfg.MaxAttempts {
			return fmt.Errorf("max reconnection attempts (%d) exceeded", cfg.MaxAttempts)
		}

		if attempt > 1 {
			log.Printf("Reconnecting in %v (attempt %d)...", delay, attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := c.Run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("Connection lost: %v", err)

		// Reset backoff after a connection that lived long enough to have
		// been useful would be nicer; keep it simple and just grow it.
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}
