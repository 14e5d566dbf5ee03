// Package alive implements the "alive" heartbeat of spec 4.11: a health
// signal fired at most once per rolling hour, bypassing the job scheduler
// and the deduplicating sender so it keeps working even if those
// subsystems are jammed.
package alive

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/transport"
	"github.com/whotracksme/webextension-packages-sub000/internal/types"
)

// Cooldown is the rolling window within which at most one wtm.alive message
// is sent (spec 4.11).
const Cooldown = time.Hour

// Checker fires the alive heartbeat. Callable from high-frequency code
// paths; calls within the cooldown window are silently ignored.
type Checker struct {
	transport transport.Transport
	logger    arbor.ILogger
	clock     func() time.Time

	mu       sync.Mutex
	lastSent time.Time
}

// New creates a Checker.
func New(tr transport.Transport, logger arbor.ILogger) *Checker {
	return &Checker{transport: tr, logger: logger, clock: time.Now}
}

// Ping fires a wtm.alive message if the cooldown has elapsed. It never
// returns an error to the caller: any failure is logged and swallowed
// (spec 4.11, spec 5: "the alive-check catches and swallows its own
// errors; it never surfaces to the caller").
func (c *Checker) Ping(ctx context.Context) {
	c.mu.Lock()
	now := c.clock()
	if now.Sub(c.lastSent) < Cooldown {
		c.mu.Unlock()
		return
	}
	c.lastSent = now
	c.mu.Unlock()

	msg := types.Message{
		Action:         "wtm.alive",
		Ver:            1,
		AntiDuplicates: 0,
		TS:             now.Unix(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		c.logger.Warn().Err(err).Msg("alive check failed to marshal heartbeat")
		return
	}
	if err := c.transport.Send(ctx, body); err != nil {
		c.logger.Warn().Err(err).Msg("alive check failed to send heartbeat")
	}
}
