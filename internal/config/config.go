package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/petervdpas/peercall/internal/audio"
	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/relay"
	"github.com/petervdpas/peercall/internal/rtc"
	"github.com/petervdpas/peercall/internal/util"
)

// Relay kinds a peer can signal through.
const (
	RelayServer = "server"
	RelayPubSub = "pubsub"
	RelayRedis  = "redis"
)

// Stores the relay server can persist to.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	Identity   Identity   `json:"identity"`
	Paths      Paths      `json:"paths"`
	Log        Log        `json:"log"`
	Relay      Relay      `json:"relay"`
	Call       Call       `json:"call"`
	NoiseGate  NoiseGate  `json:"noise_gate"`
	Viewer     Viewer     `json:"viewer"`
	Rendezvous Rendezvous `json:"rendezvous"`
}

type Identity struct {
	// Name is the participant id on the server and redis relays. On pubsub
	// the libp2p peer id of KeyFile is used instead.
	Name    string `json:"name" env:"PEERCALL_NAME" env-description:"participant id"`
	KeyFile string `json:"key_file"`
}

type Paths struct {
	DataDir     string `json:"data_dir" env:"PEERCALL_DATA_DIR"`
	SoundpadDir string `json:"soundpad_dir"`
}

type Log struct {
	Level string `json:"level" env:"PEERCALL_LOG_LEVEL" env-description:"trace|debug|info|warn|error"`
	JSON  bool   `json:"json" env:"PEERCALL_LOG_JSON"`

	// Level of the libp2p subsystems (ipfs/go-log).
	P2PLevel string `json:"p2p_level"`
}

type Relay struct {
	Kind string `json:"kind" env:"PEERCALL_RELAY" env-description:"server|pubsub|redis"`

	// server
	ServerURL string `json:"server_url" env:"PEERCALL_RELAY_URL"`
	Token     string `json:"token" env:"PEERCALL_RELAY_TOKEN" env-description:"JWT issued by 'peercall token'"`

	// pubsub
	ListenPort        int      `json:"listen_port"`
	MDNS              bool     `json:"mdns"`
	Bootstrap         []string `json:"bootstrap"`
	UseCircuitRelay   bool     `json:"use_circuit_relay"`
	RelayWaitSec      int      `json:"relay_wait_seconds"`
	PublishTimeoutSec int      `json:"publish_timeout_seconds"`

	// redis
	Redis Redis `json:"redis"`
}

type Redis struct {
	Addr          string `json:"addr" env:"PEERCALL_REDIS_ADDR"`
	Password      string `json:"password" env:"PEERCALL_REDIS_PASSWORD"`
	DB            int    `json:"db"`
	PoolSize      int    `json:"pool_size"`
	HistoryTTLMin int    `json:"history_ttl_minutes"`
}

type Call struct {
	ICEServers []string `json:"ice_servers" env:"PEERCALL_ICE_SERVERS" env-separator:","`

	SetupTimeoutSec   int `json:"setup_timeout_seconds"`
	OfferRetrySec     int `json:"offer_retry_seconds"`
	MaxOfferRetries   int `json:"max_offer_retries"`
	FailureGraceSec   int `json:"failure_grace_seconds"`
	StatsIntervalSec  int `json:"stats_interval_seconds"`
	ICEFailedTimeoutS int `json:"ice_failed_timeout_seconds"`

	AudioDevice string `json:"audio_device"`
	VideoDevice string `json:"video_device"`

	// Synthetic replaces capture devices with silent/blank tracks.
	Synthetic bool `json:"synthetic" env:"PEERCALL_SYNTHETIC"`
	Soundpad  bool `json:"soundpad"`
}

type NoiseGate struct {
	Enabled bool `json:"enabled"`
	audio.GateConfig
}

type Viewer struct {
	HTTPAddr string `json:"http_addr" env:"PEERCALL_HTTP_ADDR"`

	// OpenBrowser opens the control API in the default browser on start.
	OpenBrowser bool `json:"open_browser"`
}

type Rendezvous struct {
	Addr  string `json:"addr" env:"PEERCALL_RENDEZVOUS_ADDR"`
	Store string `json:"store" env:"PEERCALL_STORE" env-description:"sqlite|postgres"`
	DSN   string `json:"dsn" env:"PEERCALL_DSN"`

	JWTSecret   string `json:"jwt_secret" env:"PEERCALL_JWT_SECRET"`
	JWTIssuer   string `json:"jwt_issuer"`
	TokenTTLHrs int    `json:"token_ttl_hours"`

	HistoryTTLHrs    int `json:"history_ttl_hours"`
	PublishPerMinute int `json:"publish_per_minute"`

	// Circuit relay v2 port for pubsub peers behind NAT. 0 disables it.
	RelayPort    int    `json:"relay_port"`
	RelayKeyFile string `json:"relay_key_file"`

	// Public URL of the relay server, used to advertise a WAN relay address.
	ExternalURL string `json:"external_url"`

	Debug bool `json:"debug"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Paths: Paths{
			DataDir:     "data",
			SoundpadDir: "soundpad",
		},
		Log: Log{
			Level:    "info",
			P2PLevel: "warn",
		},
		Relay: Relay{
			Kind:              RelayServer,
			ServerURL:         "http://127.0.0.1:8787",
			MDNS:              true,
			RelayWaitSec:      10,
			PublishTimeoutSec: 10,
			Redis: Redis{
				Addr:          "127.0.0.1:6379",
				PoolSize:      10,
				HistoryTTLMin: 24 * 60,
			},
		},
		Call: Call{
			ICEServers:        []string{"stun:stun.l.google.com:19302"},
			SetupTimeoutSec:   15,
			OfferRetrySec:     5,
			MaxOfferRetries:   3,
			FailureGraceSec:   10,
			StatsIntervalSec:  2,
			ICEFailedTimeoutS: 120,
			Soundpad:          true,
		},
		NoiseGate: NoiseGate{
			Enabled:    true,
			GateConfig: audio.DefaultGateConfig(),
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8790",
		},
		Rendezvous: Rendezvous{
			Addr:             "127.0.0.1:8787",
			Store:            StoreSQLite,
			JWTIssuer:        "peercall",
			TokenTTLHrs:      24,
			HistoryTTLHrs:    24,
			PublishPerMinute: 600,
			RelayKeyFile:     "data/relay.key",
		},
	}
}

// ValidatePeer checks the settings the peer command needs.
func (c *Config) ValidatePeer() error {
	if err := c.validateCommon(); err != nil {
		return err
	}

	switch c.Relay.Kind {
	case RelayServer:
		if err := validateHTTPURL(c.Relay.ServerURL); err != nil {
			return fmt.Errorf("relay.server_url: %w", err)
		}
		if strings.TrimSpace(c.Relay.Token) == "" {
			return errors.New("relay.token is required for the server relay")
		}
		if _, err := util.ValidatePeerName(c.Identity.Name); err != nil {
			return fmt.Errorf("identity.name: %w", err)
		}
	case RelayPubSub:
		if strings.TrimSpace(c.Identity.KeyFile) == "" {
			return errors.New("identity.key_file is required for the pubsub relay")
		}
		if c.Relay.ListenPort < 0 || c.Relay.ListenPort > 65535 {
			return errors.New("relay.listen_port must be 0..65535")
		}
		if c.Relay.UseCircuitRelay {
			if err := validateHTTPURL(c.Relay.ServerURL); err != nil {
				return fmt.Errorf("relay.server_url (circuit relay info): %w", err)
			}
		}
	case RelayRedis:
		if strings.TrimSpace(c.Relay.Redis.Addr) == "" {
			return errors.New("relay.redis.addr is required for the redis relay")
		}
		if _, err := util.ValidatePeerName(c.Identity.Name); err != nil {
			return fmt.Errorf("identity.name: %w", err)
		}
	default:
		return fmt.Errorf("relay.kind must be %s, %s or %s", RelayServer, RelayPubSub, RelayRedis)
	}

	if c.Call.SetupTimeoutSec < 0 || c.Call.OfferRetrySec < 0 || c.Call.FailureGraceSec < 0 {
		return errors.New("call timings must be >= 0")
	}
	if c.Call.MaxOfferRetries < 0 || c.Call.MaxOfferRetries > 20 {
		return errors.New("call.max_offer_retries must be 0..20")
	}
	if c.NoiseGate.Enabled {
		if err := c.NoiseGate.GateConfig.Validate(); err != nil {
			return fmt.Errorf("noise_gate: %w", err)
		}
	}
	if c.Viewer.HTTPAddr != "" {
		if _, _, err := net.SplitHostPort(c.Viewer.HTTPAddr); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}
	return nil
}

// ValidateServer checks the settings the relay server command needs.
func (c *Config) ValidateServer() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	r := c.Rendezvous
	if _, _, err := net.SplitHostPort(r.Addr); err != nil {
		return fmt.Errorf("rendezvous.addr: %w", err)
	}
	switch r.Store {
	case StoreSQLite:
	case StorePostgres:
		if strings.TrimSpace(r.DSN) == "" {
			return errors.New("rendezvous.dsn is required for the postgres store")
		}
	default:
		return fmt.Errorf("rendezvous.store must be %s or %s", StoreSQLite, StorePostgres)
	}
	if len(r.JWTSecret) < 16 {
		return errors.New("rendezvous.jwt_secret must be at least 16 characters")
	}
	if r.TokenTTLHrs <= 0 || r.HistoryTTLHrs <= 0 {
		return errors.New("rendezvous token and history ttl must be > 0")
	}
	if r.PublishPerMinute <= 0 {
		return errors.New("rendezvous.publish_per_minute must be > 0")
	}
	if r.RelayPort < 0 || r.RelayPort > 65535 {
		return errors.New("rendezvous.relay_port must be 0..65535")
	}
	if r.ExternalURL != "" {
		if err := validateHTTPURL(r.ExternalURL); err != nil {
			return fmt.Errorf("rendezvous.external_url: %w", err)
		}
	}
	return nil
}

func (c *Config) validateCommon() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}
	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not a level", c.Log.Level)
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Hostname() == "" {
		return errors.New("missing hostname")
	}
	if ip := net.ParseIP(u.Hostname()); ip != nil && ip.IsUnspecified() {
		return errors.New("host must not be unspecified")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}
	return nil
}

// Timing converts the call section into session waits. Zero fields keep the
// session defaults.
func (c Call) Timing() call.Timing {
	return call.Timing{
		SetupTimeout:    secs(c.SetupTimeoutSec),
		OfferRetry:      secs(c.OfferRetrySec),
		MaxOfferRetries: c.MaxOfferRetries,
		FailureGrace:    secs(c.FailureGraceSec),
		StatsInterval:   secs(c.StatsIntervalSec),
	}
}

// RTC returns the connectivity settings of new peer connections.
func (c Call) RTC() rtc.Config {
	out := rtc.DefaultConfig()
	out.ICEServers = c.ICEServers
	if c.ICEFailedTimeoutS > 0 {
		out.ICEFailedTimeout = secs(c.ICEFailedTimeoutS)
	}
	return out
}

// Gate returns the gate settings, nil when disabled.
func (n NoiseGate) Gate() *audio.GateConfig {
	if !n.Enabled {
		return nil
	}
	g := n.GateConfig
	return &g
}

// RedisConfig maps the redis section onto the relay client settings.
func (r Redis) RedisConfig() relay.RedisConfig {
	return relay.RedisConfig{
		Addr:       r.Addr,
		Password:   r.Password,
		DB:         r.DB,
		PoolSize:   r.PoolSize,
		HistoryTTL: time.Duration(r.HistoryTTLMin) * time.Minute,
	}
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

// Load reads path over the defaults and applies environment overrides.
// It does not validate; callers pick ValidatePeer or ValidateServer.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("environment: %w", err)
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, false, fmt.Errorf("environment: %w", err)
	}
	return cfg, true, nil
}

// EnvUsage describes the environment overrides, for -help output.
func EnvUsage() string {
	var cfg Config
	text, err := cleanenv.GetDescription(&cfg, nil)
	if err != nil {
		return ""
	}
	return text
}
