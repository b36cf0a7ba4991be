package signal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirehole/wirehole/internal/protocol"
	"github.com/wirehole/wirehole/kvstore"
)

func payloadFor(sender string) func() *protocol.SignalingPayload {
	return func() *protocol.SignalingPayload {
		return &protocol.SignalingPayload{
			Sender: sender,
			Candidates: []protocol.Candidate{
				{Kind: protocol.CandidateHost, Endpoint: protocol.Endpoint{IP: [4]byte{10, 0, 0, 1}, Port: 4000}, Priority: 1},
			},
		}
	}
}

// pump ticks both clients until cond holds or the deadline passes. The
// store goroutines are in-memory, so a few milliseconds suffice.
func pump(t *testing.T, cond func() bool, clients ...*PubSub) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, c := range clients {
			c.Tick(time.Now())
		}
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.Fail(t, "exchange did not complete")
}

func TestPubSubExchange(t *testing.T) {
	store := kvstore.NewMemory()

	var pubGot, subGot *protocol.SignalingPayload
	pub := NewPubSub(store, "ch", Publisher, 5*time.Millisecond, nil, payloadFor("alice"),
		PubSubHooks{Payload: func(p *protocol.SignalingPayload) { pubGot = p }})
	sub := NewPubSub(store, "ch", Subscriber, 5*time.Millisecond, nil, payloadFor("bob"),
		PubSubHooks{Payload: func(p *protocol.SignalingPayload) { subGot = p }})

	pump(t, func() bool { return pub.Done() && sub.Done() }, pub, sub)

	require.NotNil(t, subGot)
	assert.Equal(t, "alice", subGot.Sender)
	require.NotNil(t, pubGot)
	assert.Equal(t, "bob", pubGot.Sender)
}

func TestPubSubSealedExchange(t *testing.T) {
	store := kvstore.NewMemory()
	sealerA := NewSealer("psk")
	sealerB := NewSealer("psk")

	var subGot *protocol.SignalingPayload
	pub := NewPubSub(store, "ch", Publisher, 5*time.Millisecond, sealerA, payloadFor("alice"), PubSubHooks{})
	sub := NewPubSub(store, "ch", Subscriber, 5*time.Millisecond, sealerB, payloadFor("bob"),
		PubSubHooks{Payload: func(p *protocol.SignalingPayload) { subGot = p }})

	pump(t, func() bool { return pub.Done() && sub.Done() }, pub, sub)
	require.NotNil(t, subGot)
	assert.Equal(t, "alice", subGot.Sender)

	// The stored offer is opaque without the key.
	raw, err := store.Get(context.Background(), "ch", "offer")
	require.NoError(t, err)
	_, err = protocol.DecodeSignalingPayload(raw)
	if err == nil {
		t.Fatal("offer stored in the clear")
	}
}

func TestPubSubKeyMismatchFails(t *testing.T) {
	store := kvstore.NewMemory()

	var failed error
	pub := NewPubSub(store, "ch", Publisher, 5*time.Millisecond, NewSealer("key-a"), payloadFor("alice"), PubSubHooks{})
	sub := NewPubSub(store, "ch", Subscriber, 5*time.Millisecond, NewSealer("key-b"), payloadFor("bob"),
		PubSubHooks{Failed: func(err error) { failed = err }})

	pump(t, func() bool { return failed != nil }, pub, sub)
	assert.ErrorIs(t, failed, ErrSealOpen)
}
