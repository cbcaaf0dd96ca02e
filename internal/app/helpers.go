// internal/app/helpers.go
package app

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/peercall/internal/config"
	"github.com/petervdpas/peercall/internal/p2p"
	"github.com/petervdpas/peercall/internal/viewer"
	"github.com/sirupsen/logrus"
)

// NormalizeLocalViewer binds wildcard viewer addresses to localhost and
// returns the listen address and its browser URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a, "http://" + a
}

func WaitTCP(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", addr)
}

// newLogger builds the process logger from the log section and attaches a
// LogBuffer for the control API when logs is non-nil.
func newLogger(cfg config.Log, logs *viewer.LogBuffer) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if err := applyLogLevel(l, cfg); err != nil {
		return nil, err
	}
	if cfg.JSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if logs != nil {
		l.AddHook(logs)
	}
	return l, nil
}

func applyLogLevel(l *logrus.Logger, cfg config.Log) error {
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	l.SetLevel(lv)
	if cfg.P2PLevel != "" {
		if err := p2p.SetLogLevel("*", cfg.P2PLevel); err != nil {
			return fmt.Errorf("p2p log level: %w", err)
		}
	}
	return nil
}

func logBanner(log *logrus.Entry, dir, cfgPath, role string) {
	log.Info("────────────────────────────────────────")
	log.Infof("peercall %s", role)
	log.Infof(" Directory   : %s", dir)
	log.Infof(" Config file : %s", cfgPath)
	if role == "peer" {
		log.Info(" This process represents ONE participant.")
	}
	log.Info("────────────────────────────────────────")
}
