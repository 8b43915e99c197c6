package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/durable/internal/backoff"
	"github.com/danmuck/durable/internal/cluster"
	"github.com/danmuck/durable/internal/host"
	"github.com/danmuck/durable/internal/rpc"
)

// NodeConfig is one host's TOML file.
type NodeConfig struct {
	Name       string `toml:"name"`
	HTTPAddr   string `toml:"http_addr"`
	RPCAddr    string `toml:"rpc_addr"`
	StorageDir string `toml:"storage_dir"`

	// Hosts lists every host's rpc address in shard order. Empty runs a
	// single host that owns every object.
	Hosts     []string `toml:"hosts"`
	HostIndex int      `toml:"host_index"`

	MaxInstances    int      `toml:"max_instances"`
	MailboxSize     int      `toml:"mailbox_size"`
	MaxBodyBytes    int64    `toml:"max_body_bytes"`
	CorsOrigins     []string `toml:"cors_origins"`
	ShutdownTimeout string   `toml:"shutdown_timeout"`

	AlarmMaxRetries   int    `toml:"alarm_max_retries"`
	AlarmInitialDelay string `toml:"alarm_initial_delay"`
	AlarmMaxDelay     string `toml:"alarm_max_delay"`

	RPC RPCConfig `toml:"rpc"`
}

type RPCConfig struct {
	AuthToken          string        `toml:"auth_token"`
	DialTimeout        string        `toml:"dial_timeout"`
	MaxConnectAttempts int           `toml:"max_connect_attempts"`
	TLS                rpc.TLSConfig `toml:"tls"`
}

func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		Name:              "durable",
		HTTPAddr:          ":8787",
		RPCAddr:           ":8788",
		StorageDir:        "data",
		MaxInstances:      0,
		MailboxSize:       64,
		MaxBodyBytes:      1 << 20,
		CorsOrigins:       []string{"http://localhost:3000"},
		ShutdownTimeout:   "10s",
		AlarmMaxRetries:   6,
		AlarmInitialDelay: "2s",
		AlarmMaxDelay:     "1m",
		RPC: RPCConfig{
			DialTimeout:        "5s",
			MaxConnectAttempts: 5,
		},
	}
}

// LoadNodeConfig reads path over the defaults. Keys absent from the file
// keep their default.
func LoadNodeConfig(path string) (NodeConfig, error) {
	cfg := DefaultNodeConfig()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return NodeConfig{}, fmt.Errorf("config parse failed (%s): unknown keys %s", path, strings.Join(keys, ", "))
	}
	if meta.IsDefined("hosts") {
		cfg.Hosts = normalizeList(cfg.Hosts)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(cfg.CorsOrigins)
	}
	if err := ValidateNodeConfig(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func ValidateNodeConfig(cfg NodeConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return errors.New("node config missing name")
	}
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		return errors.New("node config missing http_addr")
	}
	if _, _, err := net.SplitHostPort(cfg.HTTPAddr); err != nil {
		return fmt.Errorf("node config http_addr invalid: %w", err)
	}
	if len(cfg.Hosts) > 1 {
		if cfg.HostIndex < 0 || cfg.HostIndex >= len(cfg.Hosts) {
			return fmt.Errorf("node config host_index %d outside hosts[0:%d]", cfg.HostIndex, len(cfg.Hosts))
		}
		if strings.TrimSpace(cfg.RPCAddr) == "" {
			return errors.New("node config rpc_addr required with more than one host")
		}
		for i, h := range cfg.Hosts {
			if _, _, err := net.SplitHostPort(h); err != nil {
				return fmt.Errorf("hosts[%d] invalid: %w", i, err)
			}
		}
	}
	if cfg.MaxInstances < 0 {
		return fmt.Errorf("node config max_instances must be >= 0, got %d", cfg.MaxInstances)
	}
	if cfg.MailboxSize < 0 {
		return fmt.Errorf("node config mailbox_size must be >= 0, got %d", cfg.MailboxSize)
	}
	if cfg.RPC.MaxConnectAttempts < 0 {
		return fmt.Errorf("rpc config max_connect_attempts must be >= 0, got %d", cfg.RPC.MaxConnectAttempts)
	}
	for key, v := range map[string]string{
		"shutdown_timeout":    cfg.ShutdownTimeout,
		"alarm_initial_delay": cfg.AlarmInitialDelay,
		"alarm_max_delay":     cfg.AlarmMaxDelay,
		"rpc.dial_timeout":    cfg.RPC.DialTimeout,
	} {
		if _, err := parseDuration(v); err != nil {
			return fmt.Errorf("node config %s invalid: %w", key, err)
		}
	}
	if err := cfg.RPC.TLS.ValidateServer(); err != nil {
		return fmt.Errorf("rpc tls invalid: %w", err)
	}
	if err := cfg.RPC.TLS.ValidateClient(); err != nil {
		return fmt.Errorf("rpc tls invalid: %w", err)
	}
	return nil
}

// ClusterOptions maps the file onto cluster.Serve options. Call it on a
// validated config.
func (cfg NodeConfig) ClusterOptions() cluster.Options {
	opts := cluster.Options{
		StorageDir:      cfg.StorageDir,
		MaxInstances:    cfg.MaxInstances,
		MailboxSize:     cfg.MailboxSize,
		AlarmMaxRetries: cfg.AlarmMaxRetries,
		AlarmBackoff: backoff.Config{
			InitialDelay: mustDuration(cfg.AlarmInitialDelay),
			MaxDelay:     mustDuration(cfg.AlarmMaxDelay),
		},
		RPC: rpc.Config{
			DialTimeout:        mustDuration(cfg.RPC.DialTimeout),
			MaxConnectAttempts: cfg.RPC.MaxConnectAttempts,
			AuthToken:          cfg.RPC.AuthToken,
			TLS:                cfg.RPC.TLS,
		},
	}
	if len(cfg.Hosts) > 1 {
		opts.HostCount = len(cfg.Hosts)
		opts.HostIndex = cfg.HostIndex
		opts.Peers = cfg.Hosts
	}
	return opts
}

func (cfg NodeConfig) HostOptions() host.Options {
	return host.Options{
		Name:            cfg.Name,
		Addr:            cfg.HTTPAddr,
		CORSOrigins:     cfg.CorsOrigins,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		ShutdownTimeout: mustDuration(cfg.ShutdownTimeout),
	}
}

// Clustered reports whether the node shares its identity space with peers.
func (cfg NodeConfig) Clustered() bool {
	return len(cfg.Hosts) > 1
}

// parseDuration treats empty as zero so the consumer's default applies.
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", v)
	}
	return d, nil
}

func mustDuration(v string) time.Duration {
	d, _ := parseDuration(v)
	return d
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
