// Package config provides unified configuration loading from files,
// environment variables, and CLI flags using viper and pflag.
//
// Resolution order (highest wins):
//  1. CLI flags
//  2. Environment variables (prefix PORPULSION_)
//  3. Config file (config.yaml in . or /etc/porpulsion/)
//  4. Compiled defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Option struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

const (
	KeyAgentName      = "agent.name"
	KeyAgentSelfURL   = "agent.self_url"
	KeyAgentNamespace = "agent.namespace"

	KeyServerHost           = "server.host"
	KeyServerPort           = "server.port"
	KeyServerPeerPort       = "server.peer_port"
	KeyServerAllowedOrigins = "server.allowed_origins"

	KeyReconcileInterval = "reconcile.interval"
	KeyLogLevel          = "log.level"
	KeyLogBufferSize     = "log.buffer_size"
)

var Options = []Option{
	{Key: KeyAgentName, Flag: "agent-name", Default: "", Description: "Unique agent name announced to peers"},
	{Key: KeyAgentSelfURL, Flag: "self-url", Default: "", Description: "URL peers use to reach this agent"},
	{Key: KeyAgentNamespace, Flag: "namespace", Default: "", Description: "Namespace for state and remote workloads (default: pod namespace)"},
	{Key: KeyServerHost, Flag: flag(KeyServerHost), Default: "0.0.0.0", Description: "Listen host"},
	{Key: KeyServerPort, Flag: flag(KeyServerPort), Default: 8440, Description: "Dashboard API port"},
	{Key: KeyServerPeerPort, Flag: flag(KeyServerPeerPort), Default: 8441, Description: "Peer handshake and channel port"},
	{Key: KeyServerAllowedOrigins, Flag: flag(KeyServerAllowedOrigins), Default: []string{}, Description: "Dashboard allowed origins"},
	{Key: KeyReconcileInterval, Flag: flag(KeyReconcileInterval), Default: 5 * time.Second, Description: "Reconcile loop interval"},
	{Key: KeyLogLevel, Flag: flag(KeyLogLevel), Default: "INFO", Description: "Log level (DEBUG, INFO, WARN, ERROR)"},
	{Key: KeyLogBufferSize, Flag: flag(KeyLogBufferSize), Default: 2000, Description: "In-memory log buffer entries"},
}

type Config struct {
	v *viper.Viper
}

func New() (*Config, error) {
	v := viper.New()

	// default values
	for _, o := range Options {
		v.SetDefault(o.Key, o.Default)
	}

	// load config from file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/porpulsion/")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// load config from environment variables
	v.SetEnvPrefix("PORPULSION")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// plain AGENT_NAME / SELF_URL and the downward-API POD_NAMESPACE
	// work too, for manifests that predate the prefixed names
	bindFallbackEnv(v, KeyAgentName, "AGENT_NAME")
	bindFallbackEnv(v, KeyAgentSelfURL, "SELF_URL")
	bindFallbackEnv(v, KeyAgentNamespace, "POD_NAMESPACE")

	return &Config{v: v}, nil
}

func bindFallbackEnv(v *viper.Viper, key, env string) {
	if v.GetString(key) == "" {
		if val := os.Getenv(env); val != "" {
			v.Set(key, val)
		}
	}
}

func (c *Config) BindFlags(fs *pflag.FlagSet, options []Option) error {
	for _, o := range options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		case []string:
			fs.StringSlice(o.Flag, v, o.Description)
		case time.Duration:
			fs.Duration(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

// Validate checks the settings that have no usable default.
func (c *Config) Validate() error {
	if c.AgentName() == "" {
		return errors.New("agent name is required (--agent-name or PORPULSION_AGENT_NAME)")
	}
	if c.AgentSelfURL() == "" {
		return errors.New("self url is required (--self-url or PORPULSION_AGENT_SELF_URL)")
	}
	if c.AgentNamespace() == "" {
		return errors.New("namespace is required (--namespace or POD_NAMESPACE)")
	}
	return nil
}

func (c *Config) AgentName() string {
	return c.v.GetString(KeyAgentName) // PORPULSION_AGENT_NAME
}

func (c *Config) AgentSelfURL() string {
	return c.v.GetString(KeyAgentSelfURL) // PORPULSION_AGENT_SELF_URL
}

func (c *Config) AgentNamespace() string {
	return c.v.GetString(KeyAgentNamespace) // PORPULSION_AGENT_NAMESPACE
}

func (c *Config) ServerHost() string {
	return c.v.GetString(KeyServerHost) // PORPULSION_SERVER_HOST
}

func (c *Config) ServerPort() int {
	return c.v.GetInt(KeyServerPort) // PORPULSION_SERVER_PORT
}

func (c *Config) ServerPeerPort() int {
	return c.v.GetInt(KeyServerPeerPort) // PORPULSION_SERVER_PEER_PORT
}

func (c *Config) ServerAllowedOrigins() []string {
	return c.v.GetStringSlice(KeyServerAllowedOrigins) // PORPULSION_SERVER_ALLOWED_ORIGINS
}

func (c *Config) ReconcileInterval() time.Duration {
	return c.v.GetDuration(KeyReconcileInterval) // PORPULSION_RECONCILE_INTERVAL
}

func (c *Config) LogLevel() string {
	return c.v.GetString(KeyLogLevel) // PORPULSION_LOG_LEVEL
}

func (c *Config) LogBufferSize() int {
	return c.v.GetInt(KeyLogBufferSize) // PORPULSION_LOG_BUFFER_SIZE
}

// flag converts a viper key like "server.peer_port" into a CLI flag
// like "peer-port".
func flag(key string) string {
	f := strings.ToLower(key)
	f = strings.ReplaceAll(f, ".", "-")
	f = strings.ReplaceAll(f, "_", "-")
	f = strings.TrimPrefix(f, "server-")
	f = strings.TrimPrefix(f, "agent-")
	return f
}
