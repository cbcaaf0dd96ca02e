package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/petervdpas/peercall/internal/proto"
	"github.com/petervdpas/peercall/internal/storage"
)

// ErrForeignInbox is returned when subscribing on behalf of another peer.
// A node only ever reads its own inbox topic.
var ErrForeignInbox = errors.New("p2p: can only subscribe to own inbox")

const liveBuffer = 64

type liveSub struct {
	ch   chan proto.Signal
	done chan struct{}
}

type inviteSub struct {
	ch   chan proto.Record
	done chan struct{}
}

// send publishes env on the inbox topic of participant. It waits up to the
// publish timeout for the participant to show up in the mesh.
func (n *Node) send(ctx context.Context, participant string, env proto.Envelope) error {
	pid, err := peer.Decode(participant)
	if err != nil {
		return fmt.Errorf("p2p: participant %q is not a peer id: %w", participant, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if pid != n.Host.ID() {
		n.ensureConnected(ctx, pid)
	}
	t, err := n.topic(participant)
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	return t.Publish(pctx, data, pubsub.WithReadiness(pubsub.MinTopicSize(1)))
}

// Publish stores sig as outbound history and sends it to sig.To. A peer that
// is not reachable yet gets the signal when it subscribes to the call.
func (n *Node) Publish(ctx context.Context, sig proto.Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	if sig.From != n.ID() {
		return fmt.Errorf("p2p: cannot publish as %s", sig.From)
	}
	if _, err := n.store.SaveSignal(ctx, sig); err != nil {
		return err
	}
	err := n.send(ctx, sig.To, proto.Envelope{Type: proto.EnvSignal, CallID: sig.CallID, Signal: &sig})
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		n.log.Debugf("%s for %s not delivered yet, kept for sync", sig.Kind, sig.To)
		return nil
	}
	return err
}

// Subscribe delivers signals for callID arriving on this node's inbox and
// asks the counterpart to resend what it already published.
func (n *Node) Subscribe(ctx context.Context, callID, participantID string) (<-chan proto.Signal, func(), error) {
	if participantID != n.ID() {
		return nil, nil, ErrForeignInbox
	}
	s := &liveSub{ch: make(chan proto.Signal, liveBuffer), done: make(chan struct{})}
	n.mu.Lock()
	n.subs[callID] = append(n.subs[callID], s)
	n.mu.Unlock()

	if rec, err := n.store.GetCall(ctx, callID); err == nil {
		go n.requestSync(rec)
	}

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		list := n.subs[callID]
		for i, x := range list {
			if x == s {
				n.subs[callID] = append(list[:i], list[i+1:]...)
				close(s.done)
				break
			}
		}
		if len(n.subs[callID]) == 0 {
			delete(n.subs, callID)
		}
	}
	return s.ch, cancel, nil
}

func (n *Node) requestSync(rec proto.Record) {
	peerID := rec.Counterpart(n.ID())
	if peerID == "" {
		return
	}
	if err := n.send(n.ctx, peerID, proto.Envelope{Type: proto.EnvSubscribe, CallID: rec.ID}); err != nil {
		n.log.Debugf("sync request for %s: %v", rec.ID, err)
	}
}

// FetchHistory reads the local store. Signals to this node are the ones its
// inbox received; signals from it are its own outbound copies.
func (n *Node) FetchHistory(ctx context.Context, callID, to, from string) ([]proto.Signal, error) {
	return n.store.Signals(ctx, callID, to, from)
}

func (n *Node) Purge(ctx context.Context, callID string) error {
	return n.store.PurgeSignals(ctx, callID)
}

// CreateCall stores rec and invites the callee.
func (n *Node) CreateCall(ctx context.Context, rec proto.Record) error {
	if rec.CallerID != n.ID() {
		return fmt.Errorf("p2p: caller %s is not this node", rec.CallerID)
	}
	if err := n.store.CreateCall(ctx, rec); err != nil {
		return err
	}
	stored, err := n.store.GetCall(ctx, rec.ID)
	if err != nil {
		return err
	}
	if err := n.send(ctx, rec.CalleeID, proto.Envelope{Type: proto.EnvInvite, CallID: rec.ID, Record: &stored}); err != nil {
		n.log.Warnf("invite %s: %v", rec.CalleeID, err)
	}
	return nil
}

func (n *Node) UpdateCallStatus(ctx context.Context, callID string, status proto.CallStatus) error {
	if err := n.store.UpdateCallStatus(ctx, callID, status); err != nil {
		return err
	}
	rec, err := n.store.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if rec.CalleeID == n.ID() {
		n.dispatchInvite(rec)
	}
	n.notifyCounterpart(ctx, rec, proto.Envelope{Type: proto.EnvStatus, CallID: callID, Status: status})
	return nil
}

func (n *Node) DeleteCall(ctx context.Context, callID string) error {
	rec, err := n.store.GetCall(ctx, callID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := n.store.DeleteCall(ctx, callID); err != nil {
		return err
	}
	if peerID := rec.Counterpart(n.ID()); peerID != "" {
		if err := n.send(ctx, peerID, proto.Envelope{Type: proto.EnvDelete, CallID: callID}); err != nil {
			n.log.Debugf("delete %s: %v", callID, err)
		}
	}
	return nil
}

func (n *Node) notifyCounterpart(ctx context.Context, rec proto.Record, env proto.Envelope) {
	if peerID := rec.Counterpart(n.ID()); peerID != "" {
		if err := n.send(ctx, peerID, env); err != nil {
			n.log.Debugf("%s %s: %v", env.Type, rec.ID, err)
		}
	}
}

// Record returns the local view of callID.
func (n *Node) Record(ctx context.Context, callID string) (proto.Record, error) {
	return n.store.GetCall(ctx, callID)
}

func (n *Node) SubscribeInvites(_ context.Context, participant string) (<-chan proto.Record, func(), error) {
	if participant != n.ID() {
		return nil, nil, ErrForeignInbox
	}
	s := &inviteSub{ch: make(chan proto.Record, 8), done: make(chan struct{})}
	n.mu.Lock()
	n.invites = append(n.invites, s)
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, x := range n.invites {
			if x == s {
				n.invites = append(n.invites[:i], n.invites[i+1:]...)
				close(s.done)
				break
			}
		}
	}
	return s.ch, cancel, nil
}

func (n *Node) inboxLoop(ctx context.Context) {
	defer close(n.done)
	for {
		msg, err := n.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.GetFrom() == n.Host.ID() {
			continue
		}
		var env proto.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			n.log.Debugf("inbox: bad envelope from %s: %v", msg.GetFrom().ShortString(), err)
			continue
		}
		if err := n.handle(ctx, msg.GetFrom().String(), env); err != nil {
			n.log.Debugf("inbox: %s from %s: %v", env.Type, msg.GetFrom().ShortString(), err)
		}
	}
}

// handle applies one envelope authored by author, the signing peer of the
// pubsub message.
func (n *Node) handle(ctx context.Context, author string, env proto.Envelope) error {
	switch env.Type {
	case proto.EnvSignal:
		if env.Signal == nil {
			return errors.New("signal missing")
		}
		sig := *env.Signal
		if err := sig.Validate(); err != nil {
			return err
		}
		if sig.From != author || sig.To != n.ID() {
			return fmt.Errorf("signal %s: sender %s or target %s mismatch", sig.ID, sig.From, sig.To)
		}
		fresh, err := n.store.SaveSignal(ctx, sig)
		if err != nil || !fresh {
			return err
		}
		n.dispatch(sig)

	case proto.EnvInvite:
		if env.Record == nil {
			return errors.New("record missing")
		}
		rec := *env.Record
		if rec.CallerID != author || rec.CalleeID != n.ID() {
			return fmt.Errorf("invite %s: caller %s or callee %s mismatch", rec.ID, rec.CallerID, rec.CalleeID)
		}
		err := n.store.CreateCall(ctx, rec)
		if errors.Is(err, storage.ErrExists) {
			return nil
		}
		if err != nil {
			return err
		}
		n.dispatchInvite(rec)

	case proto.EnvStatus:
		rec, err := n.participantRecord(ctx, env.CallID, author)
		if err != nil {
			return err
		}
		if !env.Status.Valid() {
			return fmt.Errorf("invalid status %q", env.Status)
		}
		if err := n.store.UpdateCallStatus(ctx, env.CallID, env.Status); err != nil {
			return err
		}
		if rec.CalleeID == n.ID() {
			rec.Status = env.Status
			n.dispatchInvite(rec)
		}

	case proto.EnvDelete:
		rec, err := n.participantRecord(ctx, env.CallID, author)
		if err != nil {
			return err
		}
		if err := n.store.DeleteCall(ctx, env.CallID); err != nil {
			return err
		}
		if rec.CalleeID == n.ID() {
			// a deleted call never connected
			rec.Status = proto.StatusFailed
			n.dispatchInvite(rec)
		}

	case proto.EnvSubscribe:
		if _, err := n.participantRecord(ctx, env.CallID, author); err != nil {
			return err
		}
		go n.resend(env.CallID, author)

	default:
		return fmt.Errorf("unexpected envelope %q", env.Type)
	}
	return nil
}

func (n *Node) participantRecord(ctx context.Context, callID, who string) (proto.Record, error) {
	rec, err := n.store.GetCall(ctx, callID)
	if err != nil {
		return rec, err
	}
	if rec.CallerID != who && rec.CalleeID != who {
		return rec, fmt.Errorf("%s is not a participant of %s", who, callID)
	}
	return rec, nil
}

// resend republishes every stored signal of callID addressed to peerID.
func (n *Node) resend(callID, peerID string) {
	ctx := n.ctx
	sigs, err := n.store.Signals(ctx, callID, peerID, n.ID())
	if err != nil || len(sigs) == 0 {
		return
	}
	n.log.Debugf("sync %s: resending %d signals to %s", callID, len(sigs), peerID)
	for i := range sigs {
		env := proto.Envelope{Type: proto.EnvSignal, CallID: callID, Signal: &sigs[i]}
		if err := n.send(ctx, peerID, env); err != nil {
			n.log.Debugf("sync %s: %v", callID, err)
			return
		}
	}
}

func (n *Node) dispatch(sig proto.Signal) {
	n.mu.Lock()
	targets := append([]*liveSub(nil), n.subs[sig.CallID]...)
	n.mu.Unlock()
	for _, s := range targets {
		select {
		case s.ch <- sig:
		case <-s.done:
		}
	}
}

func (n *Node) dispatchInvite(rec proto.Record) {
	n.mu.Lock()
	targets := append([]*inviteSub(nil), n.invites...)
	n.mu.Unlock()
	for _, s := range targets {
		select {
		case s.ch <- rec:
		case <-s.done:
		}
	}
}

func (n *Node) endSubscriptions() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, list := range n.subs {
		for _, s := range list {
			close(s.done)
		}
		delete(n.subs, id)
	}
	for _, s := range n.invites {
		close(s.done)
	}
	n.invites = nil
}
