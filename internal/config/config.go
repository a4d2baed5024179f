package config

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Mode selects which signaling paths feed the call bridge.
type Mode string

const (
	ModeAMIOnly Mode = "ami-only"
	ModeSIPOnly Mode = "sip-only"
	ModeHybrid  Mode = "hybrid"
)

// Config holds all runtime configuration for the RTCBridge server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir   string
	HTTPPort  int
	LogLevel  string
	LogFormat string // log output format: "text" or "json"
	Mode      string // signaling mode: ami-only, sip-only, hybrid

	// Asterisk Manager Interface connection.
	AMIHost          string
	AMIPort          int
	AMIUsername      string
	AMISecret        string
	AMIEventMask     string        // value for the Events field of the Login action
	AMIActionTimeout time.Duration // per-action response timeout
	AMIKeepAlive     time.Duration // interval between liveness Ping actions

	// SIP signaling layer (sip-only and hybrid modes).
	SIPDomain    string
	SIPRegistrar string
	SIPPort      int
	SIPTransport string
	SIPUsername  string
	SIPPassword  string
	SIPExpiry    int // REGISTER expiry in seconds

	// Remote WebRTC calling platform.
	RemoteBaseURL       string
	RemoteApplicationID string
	RemoteAuthKey       string
	WebhookSecret       string // hex-encoded 32-byte secret for webhook JWT verification

	// Management API.
	APISecret string // hex-encoded 32-byte secret for operator JWT signing

	// Mobile push wake-up (optional).
	FCMCredentialsFile string
}

// defaults
const (
	defaultDataDir       = "./data"
	defaultHTTPPort      = 8080
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultMode          = "hybrid"
	defaultAMIPort       = 5038
	defaultAMIEventMask  = "call"
	defaultActionTimeout = 5 * time.Second
	defaultKeepAlive     = 30 * time.Second
	defaultSIPPort       = 5060
	defaultSIPTransport  = "udp"
	defaultSIPExpiry     = 300
)

// envPrefix is the prefix for all RTCBridge environment variables.
const envPrefix = "RTCBRIDGE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("rtcbridge", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the identity and CDR database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.Mode, "mode", defaultMode, "signaling mode (ami-only, sip-only, hybrid)")

	fs.StringVar(&cfg.AMIHost, "ami-host", "", "Asterisk Manager Interface host")
	fs.IntVar(&cfg.AMIPort, "ami-port", defaultAMIPort, "Asterisk Manager Interface port")
	fs.StringVar(&cfg.AMIUsername, "ami-username", "", "AMI login username")
	fs.StringVar(&cfg.AMISecret, "ami-secret", "", "AMI login secret")
	fs.StringVar(&cfg.AMIEventMask, "ami-event-mask", defaultAMIEventMask, "AMI event mask requested at login (e.g. on, off, call)")
	fs.DurationVar(&cfg.AMIActionTimeout, "ami-action-timeout", defaultActionTimeout, "timeout for AMI action responses")
	fs.DurationVar(&cfg.AMIKeepAlive, "ami-keepalive", defaultKeepAlive, "interval between AMI liveness pings (0 disables)")

	fs.StringVar(&cfg.SIPDomain, "sip-domain", "", "SIP domain for the bridge account")
	fs.StringVar(&cfg.SIPRegistrar, "sip-registrar", "", "SIP registrar host")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP registrar port")
	fs.StringVar(&cfg.SIPTransport, "sip-transport", defaultSIPTransport, "SIP transport (udp, tcp, tls)")
	fs.StringVar(&cfg.SIPUsername, "sip-username", "", "SIP account username")
	fs.StringVar(&cfg.SIPPassword, "sip-password", "", "SIP account password")
	fs.IntVar(&cfg.SIPExpiry, "sip-expiry", defaultSIPExpiry, "SIP REGISTER expiry in seconds")

	fs.StringVar(&cfg.RemoteBaseURL, "remote-base-url", "", "base URL of the remote WebRTC calling platform API")
	fs.StringVar(&cfg.RemoteApplicationID, "remote-app-id", "", "remote platform application ID")
	fs.StringVar(&cfg.RemoteAuthKey, "remote-auth-key", "", "remote platform authorization key")
	fs.StringVar(&cfg.WebhookSecret, "webhook-secret", "", "hex-encoded 32-byte secret for verifying remote platform webhooks")

	fs.StringVar(&cfg.APISecret, "api-secret", "", "hex-encoded 32-byte secret for signing operator API tokens")

	fs.StringVar(&cfg.FCMCredentialsFile, "fcm-credentials", "", "path to Firebase service-account JSON for mobile wake-up pushes")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command
	// line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":           envPrefix + "DATA_DIR",
		"http-port":          envPrefix + "HTTP_PORT",
		"log-level":          envPrefix + "LOG_LEVEL",
		"log-format":         envPrefix + "LOG_FORMAT",
		"mode":               envPrefix + "MODE",
		"ami-host":           envPrefix + "AMI_HOST",
		"ami-port":           envPrefix + "AMI_PORT",
		"ami-username":       envPrefix + "AMI_USERNAME",
		"ami-secret":         envPrefix + "AMI_SECRET",
		"ami-event-mask":     envPrefix + "AMI_EVENT_MASK",
		"ami-action-timeout": envPrefix + "AMI_ACTION_TIMEOUT",
		"ami-keepalive":      envPrefix + "AMI_KEEPALIVE",
		"sip-domain":         envPrefix + "SIP_DOMAIN",
		"sip-registrar":      envPrefix + "SIP_REGISTRAR",
		"sip-port":           envPrefix + "SIP_PORT",
		"sip-transport":      envPrefix + "SIP_TRANSPORT",
		"sip-username":       envPrefix + "SIP_USERNAME",
		"sip-password":       envPrefix + "SIP_PASSWORD",
		"sip-expiry":         envPrefix + "SIP_EXPIRY",
		"remote-base-url":    envPrefix + "REMOTE_BASE_URL",
		"remote-app-id":      envPrefix + "REMOTE_APP_ID",
		"remote-auth-key":    envPrefix + "REMOTE_AUTH_KEY",
		"webhook-secret":     envPrefix + "WEBHOOK_SECRET",
		"api-secret":         envPrefix + "API_SECRET",
		"fcm-credentials":    envPrefix + "FCM_CREDENTIALS",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "mode":
			cfg.Mode = val
		case "ami-host":
			cfg.AMIHost = val
		case "ami-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.AMIPort = v
			}
		case "ami-username":
			cfg.AMIUsername = val
		case "ami-secret":
			cfg.AMISecret = val
		case "ami-event-mask":
			cfg.AMIEventMask = val
		case "ami-action-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.AMIActionTimeout = v
			}
		case "ami-keepalive":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.AMIKeepAlive = v
			}
		case "sip-domain":
			cfg.SIPDomain = val
		case "sip-registrar":
			cfg.SIPRegistrar = val
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "sip-transport":
			cfg.SIPTransport = val
		case "sip-username":
			cfg.SIPUsername = val
		case "sip-password":
			cfg.SIPPassword = val
		case "sip-expiry":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPExpiry = v
			}
		case "remote-base-url":
			cfg.RemoteBaseURL = val
		case "remote-app-id":
			cfg.RemoteApplicationID = val
		case "remote-auth-key":
			cfg.RemoteAuthKey = val
		case "webhook-secret":
			cfg.WebhookSecret = val
		case "api-secret":
			cfg.APISecret = val
		case "fcm-credentials":
			cfg.FCMCredentialsFile = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	switch Mode(strings.ToLower(c.Mode)) {
	case ModeAMIOnly, ModeSIPOnly, ModeHybrid:
		c.Mode = strings.ToLower(c.Mode)
	default:
		return fmt.Errorf("mode must be one of ami-only, sip-only, hybrid; got %q", c.Mode)
	}

	if c.AMIEnabled() {
		if c.AMIHost == "" {
			return fmt.Errorf("ami-host is required in %s mode", c.Mode)
		}
		if c.AMIPort < 1 || c.AMIPort > 65535 {
			return fmt.Errorf("ami-port must be between 1 and 65535, got %d", c.AMIPort)
		}
		if c.AMIUsername == "" || c.AMISecret == "" {
			return fmt.Errorf("ami-username and ami-secret are required in %s mode", c.Mode)
		}
		if c.AMIActionTimeout <= 0 {
			return fmt.Errorf("ami-action-timeout must be positive, got %s", c.AMIActionTimeout)
		}
	}

	if c.SIPEnabled() {
		if c.SIPRegistrar == "" {
			return fmt.Errorf("sip-registrar is required in %s mode", c.Mode)
		}
		if c.SIPPort < 1 || c.SIPPort > 65535 {
			return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
		}
		validTransports := map[string]bool{"udp": true, "tcp": true, "tls": true}
		if !validTransports[strings.ToLower(c.SIPTransport)] {
			return fmt.Errorf("sip-transport must be one of udp, tcp, tls; got %q", c.SIPTransport)
		}
		c.SIPTransport = strings.ToLower(c.SIPTransport)
		if c.SIPExpiry < 60 {
			return fmt.Errorf("sip-expiry must be at least 60 seconds, got %d", c.SIPExpiry)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if _, err := c.WebhookSecretBytes(); err != nil {
		return err
	}
	if _, err := c.APISecretBytes(); err != nil {
		return err
	}

	return nil
}

// AMIEnabled reports whether the AMI control channel should be started.
func (c *Config) AMIEnabled() bool {
	return Mode(c.Mode) == ModeAMIOnly || Mode(c.Mode) == ModeHybrid
}

// SIPEnabled reports whether the SIP signaling adapter should be started.
func (c *Config) SIPEnabled() bool {
	return Mode(c.Mode) == ModeSIPOnly || Mode(c.Mode) == ModeHybrid
}

// WebhookSecretBytes returns the decoded 32-byte webhook signing secret, or
// nil if no secret is configured (webhook verification disabled).
func (c *Config) WebhookSecretBytes() ([]byte, error) {
	if c.WebhookSecret == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.WebhookSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding webhook secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("webhook secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// APISecretBytes returns the decoded 32-byte operator token signing secret,
// or nil if none is configured. With no secret the server generates an
// ephemeral one at startup, invalidating operator tokens across restarts.
func (c *Config) APISecretBytes() ([]byte, error) {
	if c.APISecret == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.APISecret)
	if err != nil {
		return nil, fmt.Errorf("decoding api secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("api secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
