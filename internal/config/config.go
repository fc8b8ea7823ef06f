// Package config assembles voipd's configuration from CLI flags (via
// pflag, matching the teacher's flag-based main.go) and an optional YAML
// file. Flags always override values loaded from the file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds every knob voipd needs at startup.
type Config struct {
	ListenIP       string        `yaml:"listen_ip"`
	SignalingAddr  string        `yaml:"signaling_addr"`
	CertPath       string        `yaml:"cert_path"`
	KeyPath        string        `yaml:"key_path"`
	CertValidity   time.Duration `yaml:"cert_validity"`
	DBPath         string        `yaml:"db_path"`
	JitterDelayMS  int           `yaml:"jitter_delay_ms"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

// Default returns the baseline configuration before flags or a file are
// applied.
func Default() Config {
	return Config{
		ListenIP:      "0.0.0.0",
		SignalingAddr: ":8443",
		CertPath:      "cert.pem",
		KeyPath:       "key.pem",
		CertValidity:  24 * time.Hour,
		DBPath:        "voipd.db",
		JitterDelayMS: 100,
		ShutdownGrace: 5 * time.Second,
	}
}

// Load parses args against flags seeded from cfg, optionally merging a
// YAML config file named by --config first. Flags take precedence over the
// file; the file takes precedence over cfg's defaults.
func Load(args []string, cfg Config) (Config, error) {
	fs := pflag.NewFlagSet("voipd", pflag.ContinueOnError)

	configPath := fs.String("config", "", "path to an optional YAML config file")
	listenIP := fs.String("listen-ip", cfg.ListenIP, "local IP address to bind the UDP transport on")
	signalingAddr := fs.String("signaling-addr", cfg.SignalingAddr, "HTTPS signaling bridge listen address")
	certPath := fs.String("cert", cfg.CertPath, "TLS certificate path")
	keyPath := fs.String("key", cfg.KeyPath, "TLS key path")
	certValidity := fs.Duration("cert-validity", cfg.CertValidity, "self-signed TLS certificate validity, used only when --cert/--key are missing")
	dbPath := fs.String("db", cfg.DBPath, "call-history SQLite database path")
	jitterDelayMS := fs.Int("jitter-delay-ms", cfg.JitterDelayMS, "jitter buffer priming delay in milliseconds")
	shutdownGrace := fs.Duration("shutdown-grace", cfg.ShutdownGrace, "graceful shutdown timeout")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("config: parse flags: %w", err)
	}

	if *configPath != "" {
		fileCfg, err := loadFile(*configPath)
		if err != nil {
			return Config{}, err
		}
		cfg = mergeFileDefaults(cfg, fileCfg)
	}

	// Re-apply flags over whatever the file set, but only for flags the
	// user actually passed — unset flags should not clobber the file.
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "listen-ip":
			cfg.ListenIP = *listenIP
		case "signaling-addr":
			cfg.SignalingAddr = *signalingAddr
		case "cert":
			cfg.CertPath = *certPath
		case "key":
			cfg.KeyPath = *keyPath
		case "cert-validity":
			cfg.CertValidity = *certValidity
		case "db":
			cfg.DBPath = *dbPath
		case "jitter-delay-ms":
			cfg.JitterDelayMS = *jitterDelayMS
		case "shutdown-grace":
			cfg.ShutdownGrace = *shutdownGrace
		}
	})

	if *configPath == "" {
		// No file loaded: flags (or their defaults) are authoritative as-is.
		cfg.ListenIP = *listenIP
		cfg.SignalingAddr = *signalingAddr
		cfg.CertPath = *certPath
		cfg.KeyPath = *keyPath
		cfg.CertValidity = *certValidity
		cfg.DBPath = *dbPath
		cfg.JitterDelayMS = *jitterDelayMS
		cfg.ShutdownGrace = *shutdownGrace
	}

	return cfg, nil
}

func loadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return fileCfg, nil
}

// mergeFileDefaults overlays non-zero fields from file onto base.
func mergeFileDefaults(base, file Config) Config {
	if file.ListenIP != "" {
		base.ListenIP = file.ListenIP
	}
	if file.SignalingAddr != "" {
		base.SignalingAddr = file.SignalingAddr
	}
	if file.CertPath != "" {
		base.CertPath = file.CertPath
	}
	if file.KeyPath != "" {
		base.KeyPath = file.KeyPath
	}
	if file.CertValidity != 0 {
		base.CertValidity = file.CertValidity
	}
	if file.DBPath != "" {
		base.DBPath = file.DBPath
	}
	if file.JitterDelayMS != 0 {
		base.JitterDelayMS = file.JitterDelayMS
	}
	if file.ShutdownGrace != 0 {
		base.ShutdownGrace = file.ShutdownGrace
	}
	return base
}
