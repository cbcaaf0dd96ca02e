// Package p2p runs peercall signaling over a libp2p gossipsub mesh. Each
// participant is a libp2p peer listening on its own inbox topic; signals,
// invites and record updates are published to the counterpart's inbox and
// persisted locally so a session can replay what arrived before it opened.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/host/autorelay"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/petervdpas/peercall/internal/proto"
	"github.com/petervdpas/peercall/internal/storage"
	"github.com/sirupsen/logrus"
)

func init() {
	// dial failures and backoff errors are noisy at the default level
	_ = logging.SetLogLevel("swarm2", "error")
	_ = logging.SetLogLevel("relay", "info")
	_ = logging.SetLogLevel("autorelay", "info")
	_ = logging.SetLogLevel("autonat", "warn")
	_ = logging.SetLogLevel("pubsub", "warn")
}

// SetLogLevel changes the level of one libp2p subsystem ("*" for all).
func SetLogLevel(subsystem, level string) error {
	if subsystem == "*" {
		lvl, err := logging.LevelFromString(level)
		if err != nil {
			return err
		}
		logging.SetAllLoggers(lvl)
		return nil
	}
	return logging.SetLogLevel(subsystem, level)
}

const connectTimeout = 5 * time.Second

// Options configures a Node.
type Options struct {
	ListenPort int
	KeyFile    string

	// Bootstrap are full multiaddrs (with /p2p/<id>) dialed at startup.
	Bootstrap []string

	// MDNS enables LAN discovery under proto.MdnsTag.
	MDNS bool

	// Relay, when set, is a circuit relay v2 host used for NAT traversal.
	Relay *proto.RelayInfo

	// Store keeps received signals and the local view of call records.
	Store *storage.DB

	// PublishTimeout bounds waiting for the counterpart to join the mesh.
	PublishTimeout time.Duration

	Log *logrus.Entry
}

type Node struct {
	Host host.Host
	ps   *pubsub.PubSub
	sub  *pubsub.Subscription

	store   *storage.DB
	log     *logrus.Entry
	timeout time.Duration

	// circuit relay used to reach peers behind NAT; nil when disabled
	relayPeer *peer.AddrInfo

	topicsMu sync.Mutex
	topics   map[string]*pubsub.Topic // inbox topic per participant

	mu      sync.Mutex
	subs    map[string][]*liveSub // call id -> subscriptions
	invites []*inviteSub

	ctx    context.Context // ends on Close
	cancel context.CancelFunc
	done   chan struct{}
}

type mdnsNotifee struct {
	h   host.Host
	log *logrus.Entry
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		n.log.Debugf("mdns: connect %s: %v", pi.ID.ShortString(), err)
	}
}

// loadOrCreateKey loads a persistent identity key from disk, or generates a
// new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string, log *logrus.Entry) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}
	return priv, true, nil
}

// PeerIDFromKey returns the participant id a key file stands for, creating
// the key when missing.
func PeerIDFromKey(keyFile string, log *logrus.Entry) (string, error) {
	priv, _, err := loadOrCreateKey(keyFile, log)
	if err != nil {
		return "", err
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func New(ctx context.Context, opts Options) (*Node, error) {
	if opts.Store == nil {
		return nil, errors.New("p2p: store is required")
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "p2p")
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 10 * time.Second
	}

	priv, isNew, err := loadOrCreateKey(opts.KeyFile, log)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Infof("generated new identity key: %s", opts.KeyFile)
	}

	hostOpts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
	}

	var relayPeer *peer.AddrInfo
	if opts.Relay != nil {
		ri, err := relayAddrInfo(opts.Relay)
		if err != nil {
			log.Warnf("invalid relay info, skipping: %v", err)
		} else {
			relayPeer = ri
			hostOpts = append(hostOpts,
				libp2p.EnableRelay(),
				libp2p.EnableHolePunching(),
				libp2p.EnableAutoRelayWithStaticRelays([]peer.AddrInfo{*ri},
					autorelay.WithBootDelay(0),
					autorelay.WithBackoff(30*time.Second),
				),
			)
			log.Infof("circuit relay enabled (relay peer %s, %d addrs)", ri.ID, len(ri.Addrs))
		}
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, err
	}

	if opts.MDNS {
		md := mdns.NewMdnsService(h, proto.MdnsTag, &mdnsNotifee{h: h, log: log})
		if err := md.Start(); err != nil {
			_ = h.Close()
			return nil, err
		}
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	n := &Node{
		Host:      h,
		ps:        ps,
		store:     opts.Store,
		log:       log,
		timeout:   opts.PublishTimeout,
		relayPeer: relayPeer,
		topics:    make(map[string]*pubsub.Topic),
		subs:      make(map[string][]*liveSub),
		done:      make(chan struct{}),
	}

	inbox, err := n.topic(n.ID())
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	n.sub, err = inbox.Subscribe()
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	for _, s := range opts.Bootstrap {
		if err := n.connectAddr(ctx, s); err != nil {
			log.Warnf("bootstrap %s: %v", s, err)
		}
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())
	go n.inboxLoop(n.ctx)

	log.Infof("peer %s listening on %v", n.ID(), h.Addrs())
	return n, nil
}

// ID is the participant id of this node.
func (n *Node) ID() string { return n.Host.ID().String() }

// Addrs returns dialable multiaddrs of this node including its peer id.
func (n *Node) Addrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		out = append(out, a.String()+"/p2p/"+n.ID())
	}
	return out
}

func (n *Node) Close() error {
	n.cancel()
	n.sub.Cancel()
	<-n.done
	n.endSubscriptions()

	n.topicsMu.Lock()
	for _, t := range n.topics {
		_ = t.Close()
	}
	n.topicsMu.Unlock()
	return n.Host.Close()
}

func (n *Node) topic(participant string) (*pubsub.Topic, error) {
	n.topicsMu.Lock()
	defer n.topicsMu.Unlock()
	if t, ok := n.topics[participant]; ok {
		return t, nil
	}
	t, err := n.ps.Join(proto.InboxTopicPrefix + participant)
	if err != nil {
		return nil, err
	}
	n.topics[participant] = t
	return t, nil
}

func (n *Node) connectAddr(ctx context.Context, s string) error {
	addr, err := ma.NewMultiaddr(s)
	if err != nil {
		return err
	}
	pi, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	return n.Host.Connect(cctx, *pi)
}

// ensureConnected dials pid when there is no connection yet, going through
// the circuit relay when one is configured.
func (n *Node) ensureConnected(ctx context.Context, pid peer.ID) {
	if len(n.Host.Network().ConnsToPeer(pid)) > 0 {
		return
	}
	n.injectRelayAddrs(pid)
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := n.Host.Connect(cctx, peer.AddrInfo{ID: pid}); err != nil {
		n.log.Debugf("connect %s: %v", pid.ShortString(), err)
	}
}
