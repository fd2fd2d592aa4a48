// Package config assembles the broker and registry's runtime configuration
// from defaults, an optional YAML file, environment variables, and CLI
// flags, in that increasing order of priority, mirroring the teacher's own
// layered config assembly.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mstoykov/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the environment/config record of spec §6.
type Config struct {
	TCPAddr       string `yaml:"tcp_addr" envconfig:"TCP_ADDR"`
	HTTPAddr      string `yaml:"http_addr" envconfig:"HTTP_ADDR"`
	BroadcastAddr string `yaml:"broadcast_addr" envconfig:"BROADCAST_ADDR"`

	DataPath string `yaml:"data_path" envconfig:"DATA_PATH"`

	MemQueueSize  int64         `yaml:"mem_queue_size" envconfig:"MEM_QUEUE_SIZE"`
	MaxBodySize   int64         `yaml:"max_body_size" envconfig:"MAX_BODY_SIZE"`
	MaxMsgSize    int64         `yaml:"max_msg_size" envconfig:"MAX_MSG_SIZE"`
	MsgTimeout    time.Duration `yaml:"msg_timeout" envconfig:"MSG_TIMEOUT"`
	MaxMsgTimeout time.Duration `yaml:"max_msg_timeout" envconfig:"MAX_MSG_TIMEOUT"`

	// MaxRDYCount is the single broker-wide ceiling on a client's declared
	// RDY/in-flight allowance; it covers both the "max_rdy_count" and
	// "max_in_flight" knobs named in spec's config record, since nsqd
	// itself only enforces one such cap server-side.
	MaxRDYCount          int64         `yaml:"max_rdy_count" envconfig:"MAX_RDY_COUNT"`
	MaxHeartbeatInterval time.Duration `yaml:"max_heartbeat_interval" envconfig:"MAX_HEARTBEAT_INTERVAL"`
	MaxConns             int           `yaml:"max_conns" envconfig:"MAX_CONNS"`

	SyncEvery   int64         `yaml:"sync_every" envconfig:"SYNC_EVERY"`
	SyncTimeout time.Duration `yaml:"sync_timeout" envconfig:"SYNC_TIMEOUT"`

	PubRateLimitPerSec float64 `yaml:"pub_rate_limit_per_sec" envconfig:"PUB_RATE_LIMIT_PER_SEC"`

	LookupdTCPAddresses string `yaml:"lookupd_tcp_addresses" envconfig:"LOOKUPD_TCP_ADDRESSES"`

	TombstoneLifetime       time.Duration `yaml:"tombstone_lifetime" envconfig:"TOMBSTONE_LIFETIME"`
	InactiveProducerTimeout time.Duration `yaml:"inactive_producer_timeout" envconfig:"INACTIVE_PRODUCER_TIMEOUT"`

	AuthSecrets []string `yaml:"auth_secrets" envconfig:"AUTH_SECRETS"`

	StatsdAddr         string        `yaml:"statsd_addr" envconfig:"STATSD_ADDR"`
	StatsdNamespace    string        `yaml:"statsd_namespace" envconfig:"STATSD_NAMESPACE"`
	StatsdPushInterval time.Duration `yaml:"statsd_push_interval" envconfig:"STATSD_PUSH_INTERVAL"`

	TLSCert     string `yaml:"tls_cert" envconfig:"TLS_CERT"`
	TLSKey      string `yaml:"tls_key" envconfig:"TLS_KEY"`
	TLSRequired bool   `yaml:"tls_required" envconfig:"TLS_REQUIRED"`

	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`
}

// Default returns the baseline configuration, the same values nsqd/
// nsqlookupd ship with out of the box.
func Default() Config {
	return Config{
		TCPAddr:       "0.0.0.0:4150",
		HTTPAddr:      "0.0.0.0:4151",
		BroadcastAddr: "",

		DataPath: ".",

		MemQueueSize:  10000,
		MaxBodySize:   5 * 1024 * 1024,
		MaxMsgSize:    1024 * 1024,
		MsgTimeout:    60 * time.Second,
		MaxMsgTimeout: 15 * time.Minute,

		MaxRDYCount:          2500,
		MaxHeartbeatInterval: 60 * time.Second,
		MaxConns:             0,

		SyncEvery:   2500,
		SyncTimeout: 2 * time.Second,

		TombstoneLifetime:       45 * time.Second,
		InactiveProducerTimeout: 300 * time.Second,

		StatsdPushInterval: 10 * time.Second,

		LogLevel: "info",
	}
}

// applyNonZero overlays every non-zero-valued field of override onto c,
// field by field, the same "last non-zero wins" merge the teacher's own
// Config.Apply uses (there, on null.Valid; here, on Go zero values, since
// AUTH_SECRETS aside none of these fields are legitimately "unset but
// present").
func (c Config) applyNonZero(o Config) Config {
	if o.TCPAddr != "" {
		c.TCPAddr = o.TCPAddr
	}
	if o.HTTPAddr != "" {
		c.HTTPAddr = o.HTTPAddr
	}
	if o.BroadcastAddr != "" {
		c.BroadcastAddr = o.BroadcastAddr
	}
	if o.DataPath != "" {
		c.DataPath = o.DataPath
	}
	if o.MemQueueSize != 0 {
		c.MemQueueSize = o.MemQueueSize
	}
	if o.MaxBodySize != 0 {
		c.MaxBodySize = o.MaxBodySize
	}
	if o.MaxMsgSize != 0 {
		c.MaxMsgSize = o.MaxMsgSize
	}
	if o.MsgTimeout != 0 {
		c.MsgTimeout = o.MsgTimeout
	}
	if o.MaxMsgTimeout != 0 {
		c.MaxMsgTimeout = o.MaxMsgTimeout
	}
	if o.MaxRDYCount != 0 {
		c.MaxRDYCount = o.MaxRDYCount
	}
	if o.MaxHeartbeatInterval != 0 {
		c.MaxHeartbeatInterval = o.MaxHeartbeatInterval
	}
	if o.MaxConns != 0 {
		c.MaxConns = o.MaxConns
	}
	if o.SyncEvery != 0 {
		c.SyncEvery = o.SyncEvery
	}
	if o.SyncTimeout != 0 {
		c.SyncTimeout = o.SyncTimeout
	}
	if o.PubRateLimitPerSec != 0 {
		c.PubRateLimitPerSec = o.PubRateLimitPerSec
	}
	if o.LookupdTCPAddresses != "" {
		c.LookupdTCPAddresses = o.LookupdTCPAddresses
	}
	if o.TombstoneLifetime != 0 {
		c.TombstoneLifetime = o.TombstoneLifetime
	}
	if o.InactiveProducerTimeout != 0 {
		c.InactiveProducerTimeout = o.InactiveProducerTimeout
	}
	if len(o.AuthSecrets) > 0 {
		c.AuthSecrets = o.AuthSecrets
	}
	if o.StatsdAddr != "" {
		c.StatsdAddr = o.StatsdAddr
	}
	if o.StatsdNamespace != "" {
		c.StatsdNamespace = o.StatsdNamespace
	}
	if o.StatsdPushInterval != 0 {
		c.StatsdPushInterval = o.StatsdPushInterval
	}
	if o.TLSCert != "" {
		c.TLSCert = o.TLSCert
	}
	if o.TLSKey != "" {
		c.TLSKey = o.TLSKey
	}
	if o.TLSRequired {
		c.TLSRequired = o.TLSRequired
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	return c
}

// FromFile reads and parses a YAML config file. A missing path is not an
// error: it simply yields a zero Config to merge over.
func FromFile(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return c, nil
}

// FromEnv reads NSQCORE_-prefixed environment variables into a Config
// using the same struct tags FromFile's YAML unmarshal consumes.
func FromEnv() (Config, error) {
	var c Config
	if err := envconfig.Process("NSQCORE", &c); err != nil {
		return Config{}, fmt.Errorf("config: read environment: %w", err)
	}
	return c, nil
}

// Load assembles the final Config: defaults, then the file at path (if
// any), then environment variables, then cliOverrides, each layer
// overriding the last only in fields it actually sets.
func Load(path string, cliOverrides Config) (Config, error) {
	cfg := Default()

	fileCfg, err := FromFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg = cfg.applyNonZero(fileCfg)

	envCfg, err := FromEnv()
	if err != nil {
		return Config{}, err
	}
	cfg = cfg.applyNonZero(envCfg)

	cfg = cfg.applyNonZero(cliOverrides)
	return cfg, nil
}
