// Package sender implements the deduplicating message sender of spec 4.9:
// it checks a persisted-hash duplicate detector before every outbound send,
// and rearms the hash on a transport failure so the message can be retried.
//
// Grounded on internal/approver/hashstore.go's exact-membership set
// (reused directly as the duplicate detector) and the teacher's
// internal/jobqueue handler-registration idiom (Sender.RunJob is installed
// under the "send-message" job type spec 4.9 names).
package sender

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/approver"
	"github.com/whotracksme/webextension-packages-sub000/internal/storage"
	"github.com/whotracksme/webextension-packages-sub000/internal/transport"
	"github.com/whotracksme/webextension-packages-sub000/internal/types"
)

// JobType is the scheduler job type the sender is registered under (spec
// 4.9).
const JobType = "send-message"

// sentNamespace is the HashStore namespace for sent-message dedup.
const sentNamespace = "sent|"

// Sender is the deduplicating message sender.
type Sender struct {
	sent      *approver.HashStore
	transport transport.Transport
	logger    arbor.ILogger
	clock     func() time.Time
}

// New creates a Sender. store backs the HashStore; tr is the out-of-scope
// network collaborator.
func New(store storage.KVStore, tr transport.Transport, logger arbor.ILogger) *Sender {
	return &Sender{
		sent:      approver.NewHashStore(store, logger, sentNamespace),
		transport: tr,
		logger:    logger,
		clock:     time.Now,
	}
}

// RunJob is the scheduler handler for JobType: it decodes a types.Message
// from job.Args, tries to send it, and rearms the dedup hash on failure.
func (s *Sender) RunJob(ctx context.Context, job types.Job) ([]types.FollowUpJob, error) {
	msg, err := decodeMessage(job.Args)
	if err != nil {
		return nil, types.NewBadJobError("send-message: undecodable args", err)
	}
	return nil, s.Send(ctx, msg)
}

// Send performs the trySend/rollback sequence of spec 4.9.
func (s *Sender) Send(ctx context.Context, msg types.Message) error {
	ok, err := s.trySend(ctx, msg)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Debug().Str("dedupKey", msg.DeduplicateBy).Msg("dropping duplicate outbound message")
		return nil
	}

	if msg.TS == 0 {
		msg.TS = s.clock().Unix()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return types.NewBadJobError("send-message: unmarshalable message", err)
	}

	if err := s.transport.Send(ctx, body); err != nil {
		s.rollback(ctx, msg)
		return types.NewTransientError("send-message: transport send failed", err)
	}
	return nil
}

// trySend claims the dedup key for msg.DeduplicateBy, returning false if it
// was already claimed.
func (s *Sender) trySend(ctx context.Context, msg types.Message) (bool, error) {
	key := dedupKey(msg)
	seen, err := s.sent.Contains(ctx, key)
	if err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}
	if err := s.sent.Add(ctx, key); err != nil {
		return false, err
	}
	return true, nil
}

// rollback re-arms the dedup hash so a future retry of the same message is
// not treated as a duplicate.
func (s *Sender) rollback(ctx context.Context, msg types.Message) {
	if err := s.sent.Remove(ctx, dedupKey(msg)); err != nil {
		s.logger.Warn().Err(err).Str("dedupKey", msg.DeduplicateBy).Msg("failed to roll back dedup hash after send failure")
	}
}

func dedupKey(msg types.Message) string {
	return msg.Action + "|" + msg.DeduplicateBy
}

func decodeMessage(args map[string]any) (types.Message, error) {
	var msg types.Message
	data, err := json.Marshal(args)
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, err
	}
	return msg, nil
}
