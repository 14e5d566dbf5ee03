package alive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/arbor"

	"github.com/whotracksme/webextension-packages-sub000/internal/transport"
)

type fakeTransport struct {
	calls int
}

func (f *fakeTransport) Send(ctx context.Context, body []byte) error {
	f.calls++
	return nil
}

func (f *fakeTransport) SendInstant(ctx context.Context, method, url string) (*transport.FetchResult, error) {
	return nil, nil
}

func TestPingFiresOnce(t *testing.T) {
	tr := &fakeTransport{}
	c := New(tr, arbor.NewLogger())
	now := time.Now()
	c.clock = func() time.Time { return now }

	c.Ping(context.Background())
	c.Ping(context.Background())
	c.Ping(context.Background())

	assert.Equal(t, 1, tr.calls)
}

func TestPingFiresAgainAfterCooldown(t *testing.T) {
	tr := &fakeTransport{}
	c := New(tr, arbor.NewLogger())
	now := time.Now()
	c.clock = func() time.Time { return now }

	c.Ping(context.Background())
	assert.Equal(t, 1, tr.calls)

	now = now.Add(Cooldown + time.Minute)
	c.Ping(context.Background())
	assert.Equal(t, 2, tr.calls)
}
