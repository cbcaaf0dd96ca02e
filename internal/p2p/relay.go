package p2p

// relay.go: circuit relay v2 on both ends. StartCircuitRelay runs the relay
// host beside the relay server; the Node methods keep a peer's reservation
// alive and route dials to NATed counterparts through it.

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/net/swarm"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/petervdpas/peercall/internal/proto"
	"github.com/sirupsen/logrus"
)

const (
	relayAddrTTL     = 10 * time.Minute
	relayGrace       = 5 * time.Second
	relayPollTimeout = 20 * time.Second
)

// StartCircuitRelay creates a libp2p host that acts as a circuit relay v2
// server. externalURL, if set, is resolved so WAN peers get a reachable
// address first in the returned info.
func StartCircuitRelay(port int, keyFile, externalURL string, log *logrus.Entry) (host.Host, *proto.RelayInfo, error) {
	priv, isNew, err := loadOrCreateKey(keyFile, log)
	if err != nil {
		return nil, nil, fmt.Errorf("relay key: %w", err)
	}
	if isNew {
		log.Infof("circuit relay: generated new identity key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", port)),
		libp2p.EnableRelayService(),
		libp2p.DisableRelay(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("relay host: %w", err)
	}

	info := &proto.RelayInfo{PeerID: h.ID().String()}
	for _, a := range h.Addrs() {
		info.Addrs = append(info.Addrs, a.String())
	}
	if externalURL != "" {
		if pub := publicAddr(externalURL, port, info.PeerID, log); pub != "" {
			info.Addrs = append([]string{pub}, info.Addrs...)
		}
	}

	log.Infof("circuit relay: listening on port %d, peer ID %s (%d addrs)", port, info.PeerID, len(info.Addrs))
	return h, info, nil
}

// publicAddr resolves the host of externalURL into /ip4|ip6/<ip>/tcp/<port>/p2p/<id>,
// preferring IPv4.
func publicAddr(externalURL string, port int, peerID string, log *logrus.Entry) string {
	u, err := url.Parse(externalURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	ip := net.ParseIP(u.Hostname())
	if ip == nil {
		ips, err := net.LookupIP(u.Hostname())
		if err != nil || len(ips) == 0 {
			log.Warnf("circuit relay: could not resolve %s: %v", u.Hostname(), err)
			return ""
		}
		ip = ips[0]
		for _, c := range ips {
			if c.To4() != nil {
				ip = c
				break
			}
		}
	}
	if ip.To4() != nil {
		return fmt.Sprintf("/ip4/%s/tcp/%d/p2p/%s", ip, port, peerID)
	}
	return fmt.Sprintf("/ip6/%s/tcp/%d/p2p/%s", ip, port, peerID)
}

func isCircuitAddr(a ma.Multiaddr) bool {
	for _, p := range a.Protocols() {
		if p.Code == ma.P_CIRCUIT {
			return true
		}
	}
	return false
}

func (n *Node) hasCircuitAddr() bool {
	for _, a := range n.Host.Addrs() {
		if isCircuitAddr(a) {
			return true
		}
	}
	return false
}

// WaitForRelay reports whether a /p2p-circuit address appeared before timeout.
func (n *Node) WaitForRelay(ctx context.Context, timeout time.Duration) bool {
	if n.relayPeer == nil {
		return false
	}
	deadline := time.After(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if n.hasCircuitAddr() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			n.log.Warnf("relay: no circuit address after %s", timeout)
			return false
		case <-ticker.C:
		}
	}
}

// WatchRelay follows local address changes and reconnects to the relay when
// the circuit address disappears. onCircuit, if set, sees every flip.
func (n *Node) WatchRelay(ctx context.Context, onCircuit func(bool)) {
	if n.relayPeer == nil {
		return
	}
	sub, err := n.Host.EventBus().Subscribe(new(event.EvtLocalAddressesUpdated))
	if err != nil {
		n.log.Warnf("relay: subscribe to address changes: %v", err)
		return
	}

	var recovering sync.Mutex
	had := n.hasCircuitAddr()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Out():
			}
			has := n.hasCircuitAddr()
			if has == had {
				continue
			}
			had = has
			if onCircuit != nil {
				onCircuit(has)
			}
			if has {
				n.log.Info("relay: circuit address obtained")
				continue
			}
			n.log.Warn("relay: circuit address lost, recovering")
			go func() {
				if !recovering.TryLock() {
					return
				}
				defer recovering.Unlock()
				n.recoverRelay(ctx)
			}()
		}
	}()
}

// recoverRelay gives autorelay a grace period, then clears the dial backoff
// and redials the relay until a reservation shows up again.
func (n *Node) recoverRelay(ctx context.Context) bool {
	select {
	case <-time.After(relayGrace):
	case <-ctx.Done():
		return false
	}
	if n.hasCircuitAddr() {
		return true
	}

	if sw, ok := n.Host.Network().(*swarm.Swarm); ok {
		sw.Backoff().Clear(n.relayPeer.ID)
	}
	n.Host.Peerstore().AddAddrs(n.relayPeer.ID, n.relayPeer.Addrs, relayAddrTTL)

	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	err := n.Host.Connect(cctx, *n.relayPeer)
	cancel()
	if err != nil {
		n.log.Warnf("relay: reconnect failed: %v", err)
		return false
	}
	if n.WaitForRelay(ctx, relayPollTimeout) {
		n.log.Info("relay: recovered")
		return true
	}
	return false
}

// injectRelayAddrs adds circuit addresses for pid so a dial can go through
// the relay. A direct connection to pid makes this a no-op.
func (n *Node) injectRelayAddrs(pid peer.ID) {
	if n.relayPeer == nil {
		return
	}
	for _, c := range n.Host.Network().ConnsToPeer(pid) {
		if !isCircuitAddr(c.RemoteMultiaddr()) {
			return
		}
	}
	for _, a := range circuitAddrs(n.relayPeer) {
		n.Host.Peerstore().AddAddr(pid, a, relayAddrTTL)
	}
}

// circuitAddrs returns <relay-addr>/p2p/<relay-id>/p2p-circuit for every
// relay address. Relay addrs may or may not already carry the /p2p suffix.
func circuitAddrs(relay *peer.AddrInfo) []ma.Multiaddr {
	suffix := "/p2p/" + relay.ID.String()
	circuit := ma.StringCast(suffix + "/p2p-circuit")

	var out []ma.Multiaddr
	for _, a := range relay.Addrs {
		base := a
		if s := a.String(); strings.HasSuffix(s, suffix) {
			base = ma.StringCast(strings.TrimSuffix(s, suffix))
		}
		out = append(out, base.Encapsulate(circuit))
	}
	return out
}

// relayAddrInfo converts relay info served by the relay server into an
// AddrInfo usable with autorelay. Unparseable addrs are skipped.
func relayAddrInfo(ri *proto.RelayInfo) (*peer.AddrInfo, error) {
	pid, err := peer.Decode(ri.PeerID)
	if err != nil {
		return nil, fmt.Errorf("decode relay peer ID: %w", err)
	}
	info := &peer.AddrInfo{ID: pid}
	for _, s := range ri.Addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		info.Addrs = append(info.Addrs, a)
	}
	if len(info.Addrs) == 0 {
		return nil, fmt.Errorf("relay %s has no usable addrs", ri.PeerID)
	}
	return info, nil
}
