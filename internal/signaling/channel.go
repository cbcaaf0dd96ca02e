package signaling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/petervdpas/peercall/internal/proto"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("signaling: channel closed")

// Options configures a Channel.
type Options struct {
	Relay  Relay
	CallID string
	Self   string
	Peer   string

	// Handler receives every accepted signal exactly once, from a single
	// goroutine, historical signals first.
	Handler func(proto.Signal)

	// OnDuplicate, if set, is told about every signal dropped by the dedup set.
	OnDuplicate func(proto.Signal)

	Log *logrus.Entry
}

// Channel is the signaling link of one call: it publishes signals to the
// counterpart and hands inbound ones to the handler, deduplicated.
type Channel struct {
	relay  Relay
	callID string
	self   string
	peer   string

	handler     func(proto.Signal)
	onDuplicate func(proto.Signal)
	log         *logrus.Entry

	seen       *seenSet
	delivered  atomic.Int64
	duplicates atomic.Int64

	cancelLive func()
	stop       context.CancelFunc
	pumpDone   chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
}

// Open attaches the live subscription, fetches the signals already persisted
// for this call and starts delivering: history in creation order first, then
// live signals. The live subscription is attached before the history fetch so
// nothing sent in between is lost; overlap is removed by the dedup set.
func Open(ctx context.Context, opts Options) (*Channel, error) {
	if opts.Relay == nil || opts.Handler == nil {
		return nil, errors.New("signaling: relay and handler are required")
	}
	if opts.CallID == "" || opts.Self == "" || opts.Peer == "" {
		return nil, errors.New("signaling: call id, self and peer are required")
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	c := &Channel{
		relay:       opts.Relay,
		callID:      opts.CallID,
		self:        opts.Self,
		peer:        opts.Peer,
		handler:     opts.Handler,
		onDuplicate: opts.OnDuplicate,
		log:         log.WithField("component", "signaling"),
		seen:        newSeenSet(),
		pumpDone:    make(chan struct{}),
	}

	live, cancelLive, err := c.relay.Subscribe(ctx, c.callID, c.self)
	if err != nil {
		return nil, fmt.Errorf("signaling: subscribe %s: %w", c.callID, err)
	}
	c.cancelLive = cancelLive

	history, err := c.relay.FetchHistory(ctx, c.callID, c.self, c.peer)
	if err != nil {
		cancelLive()
		return nil, fmt.Errorf("signaling: fetch history %s: %w", c.callID, err)
	}
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].CreatedAt.Before(history[j].CreatedAt)
	})
	if len(history) > 0 {
		c.log.Debugf("replaying %d historical signals", len(history))
	}

	pumpCtx, stop := context.WithCancel(context.Background())
	c.stop = stop
	go c.pump(pumpCtx, history, live)
	return c, nil
}

func (c *Channel) pump(ctx context.Context, history []proto.Signal, live <-chan proto.Signal) {
	defer close(c.pumpDone)

	for _, sig := range history {
		if ctx.Err() != nil {
			return
		}
		c.deliver(sig)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-live:
			if !ok {
				return
			}
			c.deliver(sig)
		}
	}
}

// deliver applies the addressing filter and the dedup set, in that order.
func (c *Channel) deliver(sig proto.Signal) {
	if sig.CallID != c.callID || sig.To != c.self || sig.From != c.peer {
		c.log.Debugf("dropping %s %s: not addressed to this call leg", sig.Kind, sig.ID)
		return
	}
	if !c.seen.firstTime(sig.ID) {
		c.duplicates.Add(1)
		if c.onDuplicate != nil {
			c.onDuplicate(sig)
		}
		return
	}
	c.delivered.Add(1)
	c.handler(sig)
}

// Send publishes a new signal of kind to the counterpart.
func (c *Channel) Send(ctx context.Context, kind proto.Kind, payload any) (proto.Signal, error) {
	if c.closed.Load() {
		return proto.Signal{}, ErrClosed
	}
	sig, err := proto.NewSignal(c.callID, c.self, c.peer, kind, payload)
	if err != nil {
		return proto.Signal{}, err
	}
	if err := c.relay.Publish(ctx, sig); err != nil {
		return sig, fmt.Errorf("signaling: publish %s: %w", kind, err)
	}
	return sig, nil
}

// Delivered returns how many signals reached the handler.
func (c *Channel) Delivered() int64 { return c.delivered.Load() }

// Duplicates returns how many signals were dropped as already seen.
func (c *Channel) Duplicates() int64 { return c.duplicates.Load() }

// Close stops delivery, releases the subscription and purges the call's
// persisted signals. The purge is best effort.
func (c *Channel) Close(ctx context.Context) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.stop()
		c.cancelLive()
		<-c.pumpDone
		if err := c.relay.Purge(ctx, c.callID); err != nil {
			c.log.Warnf("purge signals: %v", err)
		}
	})
}
