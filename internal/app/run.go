// Package app wires the peercall commands: a calling peer with its control
// API, the relay server and token issuing.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/config"
	"github.com/petervdpas/peercall/internal/media"
	"github.com/petervdpas/peercall/internal/metrics"
	"github.com/petervdpas/peercall/internal/rendezvous"
	"github.com/petervdpas/peercall/internal/storage"
	"github.com/petervdpas/peercall/internal/util"
	"github.com/petervdpas/peercall/internal/viewer"
	"github.com/sirupsen/logrus"
)

const logBufferSize = 800

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
}

// RunPeer runs one participant until ctx ends: the relay backend, the call
// manager and the control API.
func RunPeer(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	if err := cfg.ValidatePeer(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logs := viewer.NewLogBuffer(logBufferSize)
	logger, err := newLogger(cfg.Log, logs)
	if err != nil {
		return err
	}
	log := logrus.NewEntry(logger)
	logBanner(log, opt.Dir, opt.CfgPath, "peer")

	met := metrics.New("peer")

	backend, self, cleanup, err := openBackend(ctx, opt.Dir, cfg, met, log)
	if err != nil {
		return fmt.Errorf("relay %s: %w", cfg.Relay.Kind, err)
	}
	defer cleanup()
	defer backend.Close()

	source, err := media.NewDefaultSource(log, cfg.Call.Synthetic)
	if err != nil {
		return fmt.Errorf("media: %w", err)
	}

	meter := &media.LevelMeter{}
	mgr, err := call.NewManager(call.ManagerConfig{
		Self:          self,
		Relay:         backend,
		Records:       backend,
		Invites:       backend,
		Source:        source,
		NewEngine:     call.RTCFactory(cfg.Call.RTC(), source.SetupMediaEngine),
		Metrics:       met,
		Gate:          cfg.NoiseGate.Gate(),
		AudioDeviceID: cfg.Call.AudioDevice,
		VideoDeviceID: cfg.Call.VideoDevice,
		Soundpad:      cfg.Call.Soundpad,
		ClipMonitor:   meter,
		Timing:        cfg.Call.Timing(),
		Log:           log,
	})
	if err != nil {
		return err
	}
	defer mgr.Close()
	mgr.OnIncoming(func(ic *call.IncomingCall) {
		log.Infof("📞 incoming %s call %s from %s", ic.Record.CallType, ic.Record.ID, ic.Record.CallerID)
	})

	// noise gate and log level follow the config file
	watcher, err := config.Watch(opt.CfgPath, (*config.Config).ValidatePeer, func(next config.Config) {
		if err := mgr.SetNoiseGate(next.NoiseGate.Gate()); err != nil {
			log.Warnf("noise gate: %v", err)
		}
		if err := applyLogLevel(logger, next.Log); err != nil {
			log.Warnf("%v", err)
		}
	}, log)
	if err != nil {
		log.Warnf("config watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	if cfg.Viewer.HTTPAddr == "" {
		log.Info("control API disabled")
		<-ctx.Done()
		return nil
	}
	addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
	log.Infof("participant %s, control API %s", self, url)
	if cfg.Viewer.OpenBrowser {
		go func() {
			if err := WaitTCP(addr, 5*time.Second); err != nil {
				log.Warnf("browser: %v", err)
				return
			}
			if err := util.OpenURL(url + "/api/call/state"); err != nil {
				log.Warnf("browser: %v", err)
			}
		}()
	}
	return viewer.Start(ctx, viewer.Viewer{
		Addr:        addr,
		Manager:     mgr,
		Self:        self,
		Logs:        logs,
		Metrics:     met.Handler(),
		SoundpadDir: util.ResolvePath(opt.Dir, cfg.Paths.SoundpadDir),
		ClipLevel:   meter.Peak,
		Log:         log,
	})
}

// RunServer runs the relay server until ctx ends.
func RunServer(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := newLogger(cfg.Log, nil)
	if err != nil {
		return err
	}
	log := logrus.NewEntry(logger)
	logBanner(log, opt.Dir, opt.CfgPath, "relay server")

	store, err := openStore(ctx, opt.Dir, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	auth, err := newAuth(cfg.Rendezvous)
	if err != nil {
		return err
	}

	rc := cfg.Rendezvous
	relayKey := ""
	if rc.RelayKeyFile != "" {
		relayKey = util.ResolvePath(opt.Dir, rc.RelayKeyFile)
	}
	srv, err := rendezvous.New(rendezvous.Options{
		Addr:             rc.Addr,
		Store:            store,
		Auth:             auth,
		Metrics:          metrics.New("relay"),
		Log:              log,
		HistoryTTL:       time.Duration(rc.HistoryTTLHrs) * time.Hour,
		PublishPerMinute: rc.PublishPerMinute,
		RelayPort:        rc.RelayPort,
		RelayKeyFile:     relayKey,
		ExternalURL:      rc.ExternalURL,
		Debug:            rc.Debug,
	})
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}

// IssueToken signs a participant token with the server's secret.
func IssueToken(cfg config.Config, participant string) (string, error) {
	if participant == "" {
		return "", errors.New("participant is required")
	}
	if _, err := util.ValidatePeerName(participant); err != nil {
		return "", err
	}
	auth, err := newAuth(cfg.Rendezvous)
	if err != nil {
		return "", err
	}
	return auth.Issue(participant, time.Now())
}

func newAuth(rc config.Rendezvous) (*rendezvous.Auth, error) {
	return rendezvous.NewAuth(rc.JWTSecret, rc.JWTIssuer, time.Duration(rc.TokenTTLHrs)*time.Hour)
}

func openStore(ctx context.Context, dir string, cfg config.Config) (*storage.DB, error) {
	if cfg.Rendezvous.Store == config.StorePostgres {
		return storage.OpenPostgres(ctx, cfg.Rendezvous.DSN, storage.PoolConfig{})
	}
	return storage.Open(util.ResolvePath(dir, cfg.Paths.DataDir))
}
