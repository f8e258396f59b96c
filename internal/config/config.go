// Package config loads the coordinator's shard topology and policy knobs
// from a YAML document, then applies environment variable overrides on top,
// mirroring the layered secrets-file/env-var/default precedence of the
// system this coordinator replaces.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Isolation is one of the four session isolation levels the coordinator
// passes through to a shard session unmodified.
type Isolation string

// The isolation levels recognised by the shard connection factory.
const (
	ReadUncommitted Isolation = "RU"
	ReadCommitted   Isolation = "RC"
	RepeatableRead  Isolation = "RR"
	Serializable    Isolation = "SER"
)

func (i Isolation) valid() bool {
	switch i {
	case ReadUncommitted, ReadCommitted, RepeatableRead, Serializable:
		return true
	}
	return false
}

// ShardConfig describes how to reach a single shard.
type ShardConfig struct {
	ID             int    `yaml:"id"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	Database       string `yaml:"database"`
	ConnectTimeout int    `yaml:"connect_timeout_seconds"`
	// Central marks the shard that holds every row. Exactly one shard in
	// the topology must set this.
	Central bool `yaml:"central"`
	// Parity marks which partition_key parity a non-central shard owns:
	// "even" or "odd". Ignored (and unvalidated) on the central shard.
	Parity string `yaml:"parity"`
}

// DSN renders the MySQL data source name for this shard, suitable for
// sql.Open("mysql", ...).
func (s ShardConfig) DSN() string {
	timeout := s.ConnectTimeout
	if timeout <= 0 {
		timeout = 10
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?timeout=%ds&parseTime=true",
		s.User, s.Password, s.Host, s.Port, s.Database, timeout)
}

// Policy holds every coordinator-wide tunable.
type Policy struct {
	IsolationDefault        Isolation `yaml:"isolation_default"`
	LockTimeoutSeconds      int       `yaml:"lock_timeout_seconds"`
	MaxRecoveryRetries      int       `yaml:"max_recovery_retries"`
	LivenessIntervalSeconds int       `yaml:"liveness_interval_seconds"`
	LivenessCacheTTLSeconds int       `yaml:"liveness_cache_ttl_seconds"`
	DrainIntervalSeconds    int       `yaml:"drain_interval_seconds"`
	MutexTTLSeconds         int       `yaml:"mutex_ttl_seconds"`
	MetricsAddr             string    `yaml:"metrics_addr"`
}

// LockTimeout returns the configured lock acquisition timeout as a
// time.Duration.
func (p Policy) LockTimeout() time.Duration {
	return time.Duration(p.LockTimeoutSeconds) * time.Second
}

// DrainInterval returns the configured drain-loop ticker interval.
func (p Policy) DrainInterval() time.Duration {
	return time.Duration(p.DrainIntervalSeconds) * time.Second
}

// MutexTTL returns the configured checkpoint-mutex staleness window.
func (p Policy) MutexTTL() time.Duration {
	return time.Duration(p.MutexTTLSeconds) * time.Second
}

// LivenessInterval returns the configured liveness probe interval.
func (p Policy) LivenessInterval() time.Duration {
	return time.Duration(p.LivenessIntervalSeconds) * time.Second
}

// LivenessCacheTTL returns the configured liveness cache freshness window.
func (p Policy) LivenessCacheTTL() time.Duration {
	return time.Duration(p.LivenessCacheTTLSeconds) * time.Second
}

func defaultPolicy() Policy {
	return Policy{
		IsolationDefault:        RepeatableRead,
		LockTimeoutSeconds:      30,
		MaxRecoveryRetries:      3,
		LivenessIntervalSeconds: 5,
		LivenessCacheTTLSeconds: 2,
		DrainIntervalSeconds:    10,
		MutexTTLSeconds:         20,
		MetricsAddr:             ":9090",
	}
}

// Config is the fully resolved coordinator configuration: the shard
// topology plus policy knobs.
type Config struct {
	Shards []ShardConfig `yaml:"shards"`
	Policy Policy        `yaml:"policy"`
}

type document struct {
	Shards []ShardConfig `yaml:"shards"`
	Policy Policy        `yaml:"policy"`
}

// Load reads a YAML topology document from path, fills unset policy fields
// with defaults, then applies TXNCOORD_* environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg := &Config{Shards: doc.Shards, Policy: mergeDefaults(doc.Policy)}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeDefaults(p Policy) Policy {
	d := defaultPolicy()
	if p.IsolationDefault != "" {
		d.IsolationDefault = p.IsolationDefault
	}
	if p.LockTimeoutSeconds != 0 {
		d.LockTimeoutSeconds = p.LockTimeoutSeconds
	}
	if p.MaxRecoveryRetries != 0 {
		d.MaxRecoveryRetries = p.MaxRecoveryRetries
	}
	if p.LivenessIntervalSeconds != 0 {
		d.LivenessIntervalSeconds = p.LivenessIntervalSeconds
	}
	if p.LivenessCacheTTLSeconds != 0 {
		d.LivenessCacheTTLSeconds = p.LivenessCacheTTLSeconds
	}
	if p.DrainIntervalSeconds != 0 {
		d.DrainIntervalSeconds = p.DrainIntervalSeconds
	}
	if p.MutexTTLSeconds != 0 {
		d.MutexTTLSeconds = p.MutexTTLSeconds
	}
	if p.MetricsAddr != "" {
		d.MetricsAddr = p.MetricsAddr
	}
	return d
}

// applyEnvOverrides mirrors the original's env-var precedence without
// editing the YAML file, which matters for containerised deployments and
// CI. Per shard, TXNCOORD_SHARD_<id>_ HOST, PORT, USER, PASSWORD and
// DATABASE are read; of the policy, only TXNCOORD_ISOLATION_DEFAULT,
// TXNCOORD_LOCK_TIMEOUT_SECONDS and TXNCOORD_METRICS_ADDR. Other fields have
// no environment override.
func applyEnvOverrides(cfg *Config) {
	for i := range cfg.Shards {
		s := &cfg.Shards[i]
		prefix := fmt.Sprintf("TXNCOORD_SHARD_%d_", s.ID)
		if v, ok := os.LookupEnv(prefix + "HOST"); ok {
			s.Host = v
		}
		if v, ok := os.LookupEnv(prefix + "PORT"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				s.Port = n
			}
		}
		if v, ok := os.LookupEnv(prefix + "USER"); ok {
			s.User = v
		}
		if v, ok := os.LookupEnv(prefix + "PASSWORD"); ok {
			s.Password = v
		}
		if v, ok := os.LookupEnv(prefix + "DATABASE"); ok {
			s.Database = v
		}
	}
	if v, ok := os.LookupEnv("TXNCOORD_ISOLATION_DEFAULT"); ok {
		cfg.Policy.IsolationDefault = Isolation(strings.ToUpper(v))
	}
	if v, ok := os.LookupEnv("TXNCOORD_LOCK_TIMEOUT_SECONDS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Policy.LockTimeoutSeconds = n
		}
	}
	if v, ok := os.LookupEnv("TXNCOORD_METRICS_ADDR"); ok {
		cfg.Policy.MetricsAddr = v
	}
}

// Validate checks the resolved configuration for the invariants the rest of
// the coordinator relies on: exactly one central shard, unique shard ids,
// and a recognised isolation default.
func (c *Config) Validate() error {
	if len(c.Shards) == 0 {
		return fmt.Errorf("config: no shards configured")
	}
	seen := make(map[int]bool, len(c.Shards))
	centralCount := 0
	parityCount := map[string]int{"even": 0, "odd": 0}
	for _, s := range c.Shards {
		if seen[s.ID] {
			return fmt.Errorf("config: duplicate shard id %d", s.ID)
		}
		seen[s.ID] = true
		if s.Central {
			centralCount++
			continue
		}
		if s.Parity != "even" && s.Parity != "odd" {
			return fmt.Errorf("config: shard %d must set parity to \"even\" or \"odd\"", s.ID)
		}
		parityCount[s.Parity]++
	}
	if centralCount != 1 {
		return fmt.Errorf("config: exactly one shard must be marked central, found %d", centralCount)
	}
	if parityCount["even"] != 1 || parityCount["odd"] != 1 {
		return fmt.Errorf("config: exactly one even and one odd partition shard are required, found even=%d odd=%d", parityCount["even"], parityCount["odd"])
	}
	if !c.Policy.IsolationDefault.valid() {
		return fmt.Errorf("config: invalid isolation_default %q", c.Policy.IsolationDefault)
	}
	return nil
}

// CentralShardID returns the id of the shard marked central.
func (c *Config) CentralShardID() int {
	for _, s := range c.Shards {
		if s.Central {
			return s.ID
		}
	}
	return 0
}
