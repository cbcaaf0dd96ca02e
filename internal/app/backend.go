package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/config"
	"github.com/petervdpas/peercall/internal/metrics"
	"github.com/petervdpas/peercall/internal/p2p"
	"github.com/petervdpas/peercall/internal/proto"
	"github.com/petervdpas/peercall/internal/relay"
	"github.com/petervdpas/peercall/internal/rendezvous"
	"github.com/petervdpas/peercall/internal/signaling"
	"github.com/petervdpas/peercall/internal/storage"
	"github.com/petervdpas/peercall/internal/util"
	"github.com/sirupsen/logrus"
)

// Backend is everything the call manager needs from a relay.
type Backend interface {
	signaling.Relay
	call.RecordStore
	call.InviteSource
	Close() error
}

var (
	_ Backend = (*rendezvous.Client)(nil)
	_ Backend = (*p2p.Node)(nil)
	_ Backend = (*relay.Redis)(nil)
	_ Backend = (*relay.Memory)(nil)
)

// openBackend connects the relay named in cfg.Relay.Kind and returns it with
// the participant id this peer signals as.
func openBackend(ctx context.Context, dir string, cfg config.Config, met *metrics.Collector, log *logrus.Entry) (Backend, string, func(), error) {
	switch cfg.Relay.Kind {
	case config.RelayServer:
		c := rendezvous.NewClient(cfg.Relay.ServerURL, cfg.Identity.Name, cfg.Relay.Token, log)
		c.Connect(ctx)
		met.RelayConnected()
		return c, cfg.Identity.Name, func() { met.RelayDisconnected() }, nil

	case config.RelayRedis:
		r, err := relay.OpenRedis(ctx, cfg.Relay.Redis.RedisConfig(), log)
		if err != nil {
			return nil, "", nil, err
		}
		met.RelayConnected()
		return r, cfg.Identity.Name, func() { met.RelayDisconnected() }, nil

	case config.RelayPubSub:
		return openPubSub(ctx, dir, cfg, met, log)
	}
	return nil, "", nil, fmt.Errorf("unknown relay kind %q", cfg.Relay.Kind)
}

func openPubSub(ctx context.Context, dir string, cfg config.Config, met *metrics.Collector, log *logrus.Entry) (Backend, string, func(), error) {
	db, err := storage.Open(util.ResolvePath(dir, cfg.Paths.DataDir))
	if err != nil {
		return nil, "", nil, err
	}

	var relayInfo *proto.RelayInfo
	if cfg.Relay.UseCircuitRelay && cfg.Relay.ServerURL != "" {
		fctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
		c := rendezvous.NewClient(cfg.Relay.ServerURL, "", cfg.Relay.Token, log)
		ri, err := c.FetchRelayInfo(fctx)
		cancel()
		switch {
		case err == nil:
			relayInfo = ri
			log.Infof("relay: discovered relay peer %s (%d addrs)", ri.PeerID, len(ri.Addrs))
		case errors.Is(err, rendezvous.ErrNotFound):
			log.Infof("relay: %s runs without a circuit relay", cfg.Relay.ServerURL)
		default:
			log.Warnf("relay: discovery failed: %v", err)
		}
	}

	node, err := p2p.New(ctx, p2p.Options{
		ListenPort:     cfg.Relay.ListenPort,
		KeyFile:        util.ResolvePath(dir, cfg.Identity.KeyFile),
		Bootstrap:      cfg.Relay.Bootstrap,
		MDNS:           cfg.Relay.MDNS,
		Relay:          relayInfo,
		Store:          db,
		PublishTimeout: time.Duration(cfg.Relay.PublishTimeoutSec) * time.Second,
		Log:            log,
	})
	if err != nil {
		db.Close()
		return nil, "", nil, err
	}
	log.Infof("peer id: %s", node.ID())
	for _, a := range node.Addrs() {
		log.Infof("listening on %s", a)
	}

	if relayInfo != nil {
		if node.WaitForRelay(ctx, time.Duration(cfg.Relay.RelayWaitSec)*time.Second) {
			log.Info("relay: circuit address ready")
		}
		node.WatchRelay(ctx, func(up bool) {
			if !up {
				log.Warn("relay: circuit address lost, reconnecting")
			}
		})
	}
	met.RelayConnected()

	cleanup := func() {
		met.RelayDisconnected()
		db.Close()
	}
	return node, node.ID(), cleanup, nil
}
