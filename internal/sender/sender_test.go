package sender

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/storage/memkv"
	"github.com/whotracksme/webextension-packages-sub000/internal/transport"
	"github.com/whotracksme/webextension-packages-sub000/internal/types"
)

type fakeTransport struct {
	sent   [][]byte
	failN  int
	called int
}

func (f *fakeTransport) Send(ctx context.Context, body []byte) error {
	f.called++
	if f.called <= f.failN {
		return assertErr
	}
	f.sent = append(f.sent, body)
	return nil
}

func (f *fakeTransport) SendInstant(ctx context.Context, method, url string) (*transport.FetchResult, error) {
	return nil, nil
}

var assertErr = &sendError{}

type sendError struct{}

func (e *sendError) Error() string { return "transport failure" }

func TestSendDeliversOnce(t *testing.T) {
	ctx := context.Background()
	tr := &fakeTransport{}
	s := New(memkv.New(), tr, arbor.NewLogger())

	msg := types.Message{Action: "wtm.page", DeduplicateBy: "https://example.com/"}
	require.NoError(t, s.Send(ctx, msg))
	assert.Len(t, tr.sent, 1)

	require.NoError(t, s.Send(ctx, msg))
	assert.Len(t, tr.sent, 1, "duplicate send must not hit the transport again")
}

func TestSendRollsBackOnTransportFailure(t *testing.T) {
	ctx := context.Background()
	tr := &fakeTransport{failN: 1}
	s := New(memkv.New(), tr, arbor.NewLogger())

	msg := types.Message{Action: "wtm.page", DeduplicateBy: "https://example.com/"}
	err := s.Send(ctx, msg)
	require.Error(t, err)

	require.NoError(t, s.Send(ctx, msg))
	assert.Len(t, tr.sent, 1, "retry after rollback must reach the transport")
}

func TestRunJobDecodesArgs(t *testing.T) {
	ctx := context.Background()
	tr := &fakeTransport{}
	s := New(memkv.New(), tr, arbor.NewLogger())

	job := types.Job{Args: map[string]any{"Action": "wtm.alive", "DeduplicateBy": "alive"}}
	_, err := s.RunJob(ctx, job)
	require.NoError(t, err)
	assert.Len(t, tr.sent, 1)
}
