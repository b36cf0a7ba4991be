package signal

import (
	"context"
	"errors"
	"time"

	"github.com/wirehole/wirehole/internal/protocol"
	"github.com/wirehole/wirehole/kvstore"
)

// PubSubRole decides which side of the channel this client drives.
type PubSubRole int

const (
	// Publisher writes <channel>/offer and polls <channel>/answer.
	Publisher PubSubRole = iota
	// Subscriber polls <channel>/offer and writes <channel>/answer.
	Subscriber
)

// Channel field names.
const (
	fieldOffer  = "offer"
	fieldAnswer = "answer"
)

// DefaultPollInterval is how often the store is polled for the other
// side's payload.
const DefaultPollInterval = 2 * time.Second

const opTimeout = 8 * time.Second

// PubSubHooks receive signaling events. Nil hooks are skipped.
type PubSubHooks struct {
	// Payload delivers the remote side's signaling payload once.
	Payload func(p *protocol.SignalingPayload)
	// Done fires when this side's part of the exchange completed.
	Done func()
	// Failed fires on a store transport error or a bad payload.
	Failed func(err error)
}

type pubsubOp int

const (
	opPublish pubsubOp = iota
	opFetch
	opAnswer
)

type pubsubResult struct {
	op   pubsubOp
	data []byte
	err  error
}

// PubSub runs the KV-store signaling exchange. Store calls block on the
// network, so each one runs on a short-lived goroutine; Tick only collects
// results and schedules the next poll.
type PubSub struct {
	store   kvstore.Store
	channel string
	role    PubSubRole
	sealer  *Sealer
	poll    time.Duration

	// localPayload is evaluated at write time so late-gathered candidates
	// still make it into the published payload.
	localPayload func() *protocol.SignalingPayload
	hooks        PubSubHooks

	published bool
	delivered bool
	done      bool
	failed    bool
	busy      bool
	lastPoll  time.Time
	results   chan pubsubResult
}

// NewPubSub builds a client on channel. poll <= 0 selects the default
// interval. sealer may be nil for unauthenticated channels.
func NewPubSub(store kvstore.Store, channel string, role PubSubRole, poll time.Duration, sealer *Sealer, localPayload func() *protocol.SignalingPayload, hooks PubSubHooks) *PubSub {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &PubSub{
		store:        store,
		channel:      channel,
		role:         role,
		sealer:       sealer,
		poll:         poll,
		localPayload: localPayload,
		hooks:        hooks,
		results:      make(chan pubsubResult, 4),
	}
}

// Role returns the configured role.
func (p *PubSub) Role() PubSubRole { return p.role }

// Done reports whether the exchange completed on this side.
func (p *PubSub) Done() bool { return p.done }

// Tick advances the exchange.
func (p *PubSub) Tick(now time.Time) {
	for {
		select {
		case res := <-p.results:
			p.onResult(res)
		default:
			p.schedule(now)
			return
		}
	}
}

func (p *PubSub) schedule(now time.Time) {
	if p.done || p.failed || p.busy {
		return
	}
	if p.role == Publisher && !p.published {
		p.spawnPublish(fieldOffer, opPublish)
		return
	}
	if !p.lastPoll.IsZero() && now.Sub(p.lastPoll) < p.poll {
		return
	}
	p.lastPoll = now
	field := fieldAnswer
	if p.role == Subscriber {
		field = fieldOffer
	}
	p.busy = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		data, err := p.store.Get(ctx, p.channel, field)
		p.results <- pubsubResult{op: opFetch, data: data, err: err}
	}()
}

func (p *PubSub) spawnPublish(field string, op pubsubOp) {
	body := p.encodeLocal()
	if body == nil {
		return
	}
	p.busy = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		err := p.store.Patch(ctx, p.channel, field, body)
		p.results <- pubsubResult{op: op, err: err}
	}()
}

func (p *PubSub) encodeLocal() []byte {
	pl := p.localPayload()
	if pl == nil {
		return nil
	}
	body := protocol.EncodeSignalingPayload(pl)
	if p.sealer == nil {
		return body
	}
	sealed, err := p.sealer.Seal(body)
	if err != nil {
		p.fail(err)
		return nil
	}
	return sealed
}

func (p *PubSub) onResult(res pubsubResult) {
	p.busy = false
	switch res.op {
	case opPublish:
		if res.err != nil {
			p.fail(res.err)
			return
		}
		p.published = true
	case opAnswer:
		if res.err != nil {
			p.fail(res.err)
			return
		}
		p.finish()
	case opFetch:
		if errors.Is(res.err, kvstore.ErrNotFound) {
			return
		}
		if res.err != nil {
			p.fail(res.err)
			return
		}
		p.onRemote(res.data)
	}
}

func (p *PubSub) onRemote(data []byte) {
	if p.delivered {
		return
	}
	if p.sealer != nil {
		plain, err := p.sealer.Open(data)
		if err != nil {
			p.fail(err)
			return
		}
		data = plain
	}
	pl, err := protocol.DecodeSignalingPayload(data)
	if err != nil {
		p.fail(err)
		return
	}
	p.delivered = true
	if p.hooks.Payload != nil {
		p.hooks.Payload(pl)
	}
	if p.role == Subscriber {
		p.spawnPublish(fieldAnswer, opAnswer)
		return
	}
	p.finish()
}

func (p *PubSub) finish() {
	p.done = true
	if p.hooks.Done != nil {
		p.hooks.Done()
	}
}

func (p *PubSub) fail(err error) {
	if p.failed {
		return
	}
	p.failed = true
	if p.hooks.Failed != nil {
		p.hooks.Failed(err)
	}
}
