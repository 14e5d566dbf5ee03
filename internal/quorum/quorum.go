// Package quorum implements the quorum client (spec 4.4): rolling bucket
// assignment refreshed from the quorum config server, increment/consent
// calls keyed by sha1 digests, and the defensive badKeys set.
//
// Grounded on internal/seqexec's SeqExecutor for "at most one concurrent
// refresh" and internal/transport's sendInstant-shaped Transport collaborator.
package quorum

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/approver"
	"github.com/whotracksme/webextension-packages-sub000/internal/seqexec"
	"github.com/whotracksme/webextension-packages-sub000/internal/storage"
	"github.com/whotracksme/webextension-packages-sub000/internal/transport"
	"github.com/whotracksme/webextension-packages-sub000/internal/types"
)

const configStoreKey = "quorum|config"

// configTTL is the maximum age of a bucket assignment before it is
// considered stale (spec 4.4: "TTL 2h; if stale, update blocks the next
// sendQuorumIncrement until refresh").
const configTTL = 2 * time.Hour

// errorRateWarnThreshold is the self-check threshold from spec 4.4
// ("self-check warns if error rate > 20%").
const errorRateWarnThreshold = 0.20

// bucketConfig is the persisted rolling bucket assignment.
type bucketConfig struct {
	LastUpdated time.Time `json:"lastUpdated"`
	Bucket      int       `json:"bucket"`
}

func (c bucketConfig) stale(now time.Time) bool {
	return c.LastUpdated.IsZero() || now.Sub(c.LastUpdated) > configTTL
}

// Client is the quorum client.
type Client struct {
	store     storage.KVStore
	transport transport.Transport
	votes     *approver.HashStore
	seq       *seqexec.SeqExecutor
	logger    arbor.ILogger
	baseURL   string

	mu          sync.Mutex
	config      bucketConfig
	badKeys     map[string]bool
	lastSeenNow time.Time

	attempts int64
	errors   int64
}

// New creates a quorum Client backed by store and tr, posting to baseURL
// (e.g. "https://quorum.example.com").
func New(store storage.KVStore, tr transport.Transport, logger arbor.ILogger, baseURL string) *Client {
	return &Client{
		store:     store,
		transport: tr,
		votes:     approver.NewHashStore(store, logger, "[incQuorum]|"),
		seq:       seqexec.New(),
		logger:    logger,
		baseURL:   baseURL,
		badKeys:   make(map[string]bool),
	}
}

// Load restores the persisted bucket assignment, if any.
func (c *Client) Load(ctx context.Context) error {
	data, found, err := c.store.Get(ctx, configStoreKey)
	if err != nil {
		return fmt.Errorf("load quorum config: %w", err)
	}
	if !found {
		return nil
	}
	var cfg bucketConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return types.NewCorruptionError("quorum config", err)
	}
	c.mu.Lock()
	c.config = cfg
	c.mu.Unlock()
	return nil
}

func digest(text string) string {
	sum := sha1.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// detectClockJump reports whether now is earlier than any clock reading
// this client has already observed. stale() only compares now.Sub(lastUpdated)
// against the TTL, so a backward jump makes that subtraction more negative,
// not larger — it would read as fresher than it is. On detection, both the
// in-memory and persisted bucket assignment are reset so the next refresh
// falls through to the server instead of trusting the jumped clock.
func (c *Client) detectClockJump(ctx context.Context, now time.Time) bool {
	c.mu.Lock()
	jumped := !c.lastSeenNow.IsZero() && now.Before(c.lastSeenNow)
	if now.After(c.lastSeenNow) {
		c.lastSeenNow = now
	}
	if jumped {
		c.config = bucketConfig{}
	}
	c.mu.Unlock()

	if jumped {
		c.logger.Warn().Str("now", now.Format(time.RFC3339)).Msg("quorum client detected backward clock jump, resetting bucket assignment")
		if err := c.store.Remove(ctx, configStoreKey); err != nil {
			c.logger.Warn().Err(err).Msg("failed to clear persisted quorum config after clock jump")
		}
	}
	return jumped
}

// UpdateQuorumConfig refreshes the bucket assignment from the server,
// serialized so at most one refresh runs concurrently. It refuses to
// refresh unless force is set or the TTL has expired.
func (c *Client) UpdateQuorumConfig(ctx context.Context, force bool) error {
	return c.seq.Run(func() error {
		now := time.Now()
		if c.detectClockJump(ctx, now) {
			force = true
		}

		c.mu.Lock()
		stale := c.config.stale(now)
		c.mu.Unlock()
		if !force && !stale {
			return nil
		}

		result, err := c.transport.SendInstant(ctx, "GET", c.baseURL+"/config")
		if err != nil {
			return types.NewTransientError("quorum config fetch failed", err)
		}
		var resp struct {
			Bucket int `json:"oc"`
		}
		if err := result.JSON(&resp); err != nil {
			return types.NewTransientError("quorum config decode failed", err)
		}

		c.mu.Lock()
		c.config = bucketConfig{LastUpdated: now, Bucket: resp.Bucket}
		cfg := c.config
		c.mu.Unlock()

		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return c.store.Set(ctx, configStoreKey, data)
	})
}

// SendQuorumIncrement votes for text, unless it was already voted for
// (tracked by a local hash store). A stale bucket config or a detected
// clock jump triggers a config refresh first; if that refresh fails, its
// error is returned and no vote is sent.
func (c *Client) SendQuorumIncrement(ctx context.Context, text string) error {
	now := time.Now()
	jumped := c.detectClockJump(ctx, now)

	c.mu.Lock()
	stale := c.config.stale(now)
	bucket := c.config.Bucket
	c.mu.Unlock()
	if jumped || stale {
		if err := c.UpdateQuorumConfig(ctx, jumped); err != nil {
			return err
		}
		c.mu.Lock()
		bucket = c.config.Bucket
		c.mu.Unlock()
	}

	alreadyVoted, err := c.votes.Contains(ctx, text)
	if err != nil {
		return err
	}
	if alreadyVoted {
		return nil
	}

	c.recordAttempt()
	_, err = c.transport.SendInstant(ctx, "GET", fmt.Sprintf("%s/incrquorum?hu=%s&oc=%d", c.baseURL, digest(text), bucket))
	if err != nil {
		c.recordError()
		return types.NewTransientError("quorum increment failed", err)
	}

	if err := c.votes.Add(ctx, text); err != nil {
		// The vote landed server-side but we failed to record it locally:
		// a retry could double-vote, so force consent checks to fail for
		// this text until the process restarts.
		c.mu.Lock()
		c.badKeys[text] = true
		c.mu.Unlock()
		c.logger.Warn().Err(err).Msg("failed to persist quorum vote marker, blacklisting key")
	}
	return nil
}

// CheckQuorumConsent reports whether enough independent clients have voted
// for text to consider it safe to share.
func (c *Client) CheckQuorumConsent(ctx context.Context, text string) (bool, error) {
	c.mu.Lock()
	blocked := c.badKeys[text]
	c.mu.Unlock()
	if blocked {
		return false, nil
	}

	c.recordAttempt()
	result, err := c.transport.SendInstant(ctx, "GET", fmt.Sprintf("%s/checkquorum?hu=%s", c.baseURL, digest(text)))
	if err != nil {
		c.recordError()
		return false, types.NewTransientError("quorum consent check failed", err)
	}

	var resp struct {
		Result bool `json:"result"`
	}
	if err := result.JSON(&resp); err != nil {
		c.recordError()
		return false, types.NewTransientError("quorum consent decode failed", err)
	}
	return resp.Result, nil
}

func (c *Client) recordAttempt() {
	c.mu.Lock()
	c.attempts++
	c.mu.Unlock()
}

func (c *Client) recordError() {
	c.mu.Lock()
	c.errors++
	attempts, errs := c.attempts, c.errors
	c.mu.Unlock()

	if attempts >= 10 && float64(errs)/float64(attempts) > errorRateWarnThreshold {
		c.logger.Warn().Int64("attempts", attempts).Int64("errors", errs).Msg("quorum client error rate exceeds 20%")
	}
}
