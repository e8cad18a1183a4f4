package api

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/Mindburn-Labs/stargate/pkg/scene"
)

type collectorKey struct{}

// collector gathers the messages a single turn produces for its own
// conversation.
type collector struct {
	key  string
	mu   sync.Mutex
	msgs []scene.Message
}

func (c *collector) add(m scene.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *collector) drain() []scene.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.msgs
	c.msgs = nil
	return out
}

func withCollector(ctx context.Context, c *collector) context.Context {
	return context.WithValue(ctx, collectorKey{}, c)
}

// Outbox is the engine's sink. Messages for the conversation of the turn
// being served go into that turn's HTTP response; everything else
// (completions, sweeper refunds) waits in a per-conversation mailbox until
// the transport polls or sends the next turn.
type Outbox struct {
	mu    sync.Mutex
	boxes *cache.Cache
}

// NewOutbox creates an outbox whose undelivered messages expire after ttl.
func NewOutbox(ttl time.Duration) *Outbox {
	return &Outbox{boxes: cache.New(ttl, 2*ttl)}
}

func (o *Outbox) Send(ctx context.Context, conversationKey string, msg scene.Message) error {
	if c, ok := ctx.Value(collectorKey{}).(*collector); ok && c.key == conversationKey {
		c.add(msg)
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	var queued []scene.Message
	if v, ok := o.boxes.Get(conversationKey); ok {
		queued = v.([]scene.Message)
	}
	o.boxes.SetDefault(conversationKey, append(queued, msg))
	return nil
}

// Drain removes and returns the queued messages of a conversation.
func (o *Outbox) Drain(conversationKey string) []scene.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.boxes.Get(conversationKey)
	if !ok {
		return nil
	}
	o.boxes.Delete(conversationKey)
	return v.([]scene.Message)
}
