package ws

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type tick struct {
	Price string `json:"price"`
}

func TestPublishAssignsPerTopicSequences(t *testing.T) {
	h := NewHub(zap.NewNop(), 16, 8)

	h.Publish(MarketTopic("ELECTION-YES"), tick{Price: "0.61"})
	h.Publish(MarketTopic("ELECTION-YES"), tick{Price: "0.62"})
	h.Publish(MarketTopic("RATE-CUT"), tick{Price: "0.30"})

	yes := h.Replay(MarketTopic("ELECTION-YES"), 0)
	require.Len(t, yes, 2)
	assert.Equal(t, uint64(1), yes[0].Seq)
	assert.Equal(t, uint64(2), yes[1].Seq)

	// each topic sequences independently
	cut := h.Replay(MarketTopic("RATE-CUT"), 0)
	require.Len(t, cut, 1)
	assert.Equal(t, uint64(1), cut[0].Seq)
}

func TestReplayReturnsOnlyMessagesAfterCursor(t *testing.T) {
	h := NewHub(zap.NewNop(), 16, 8)
	for i := 0; i < 5; i++ {
		h.Publish("market.X", tick{Price: "1"})
	}
	msgs := h.Replay("market.X", 3)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint64(4), msgs[0].Seq)
	assert.Equal(t, uint64(5), msgs[1].Seq)

	assert.Nil(t, h.Replay("market.unknown", 0))
}

func TestRingBufferEvictsOldest(t *testing.T) {
	h := NewHub(zap.NewNop(), 3, 8)
	for i := 0; i < 5; i++ {
		h.Publish("market.X", tick{Price: "1"})
	}
	msgs := h.Replay("market.X", 0)
	require.Len(t, msgs, 3)
	assert.Equal(t, uint64(3), msgs[0].Seq)
	assert.Equal(t, uint64(5), msgs[2].Seq)
}

func TestTopicNames(t *testing.T) {
	assert.Equal(t, "market.ELECTION-YES", MarketTopic("ELECTION-YES"))
	assert.Equal(t, "user.abc", UserTopic("abc"))
}

func TestPrivateTopicSubscriptionScopedToOwner(t *testing.T) {
	alice := &Client{userID: "alice"}

	assert.True(t, alice.canSubscribe(UserTopic("alice")))
	assert.False(t, alice.canSubscribe(UserTopic("bob")), "foreign private topic must be rejected")
	assert.True(t, alice.canSubscribe(MarketTopic("ELECTION-YES")))

	// an unauthenticated connection gets no private stream at all
	anon := &Client{userID: ""}
	assert.False(t, anon.canSubscribe(UserTopic("alice")))
}

// Messages must hit the wire in sequence order even when publishers race.
func TestConcurrentPublishersDeliverInSequenceOrder(t *testing.T) {
	h := NewHub(zap.NewNop(), 1024, 1024)

	c := &Client{
		userID:        "alice",
		send:          make(chan Message, 1024),
		subscriptions: map[string]struct{}{MarketTopic("ELECTION-YES"): {}},
		hub:           h,
	}
	h.register <- c
	require.Eventually(t, func() bool {
		h.clientMu.RLock()
		_, ok := h.clients[c]
		h.clientMu.RUnlock()
		return ok
	}, time.Second, time.Millisecond)

	const publishers, perPublisher = 4, 100
	var wg sync.WaitGroup
	wg.Add(publishers)
	for i := 0; i < publishers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perPublisher; j++ {
				h.Publish(MarketTopic("ELECTION-YES"), tick{Price: "0.5"})
			}
		}()
	}
	wg.Wait()

	var last uint64
	for i := 0; i < publishers*perPublisher; i++ {
		select {
		case msg := <-c.send:
			require.Greater(t, msg.Seq, last, "sequence went backwards on the wire")
			last = msg.Seq
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d messages delivered", i, publishers*perPublisher)
		}
	}
}
