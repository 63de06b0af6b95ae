// Package config loads and saves the power strip configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Extra-Chill/apc/internal/alias"
)

const (
	ProtocolSSH  = "ssh"
	ProtocolSNMP = "snmp"

	DefaultTimeout = 10 * time.Second
)

var (
	// ErrMissingKey means a required top-level key is absent from the file.
	ErrMissingKey = errors.New("missing required key")
	// ErrInvalid means a key is present but its value cannot be used.
	ErrInvalid = errors.New("invalid config")
)

// Config is the in-memory configuration record.
type Config struct {
	Hostname    string
	User        string
	Password    string // expanded; empty when not configured
	Protocol    string // "ssh" or "snmp"
	Port        int    // transport port on the management card
	Community   string // expanded SNMP write community
	KnownHosts  string
	Timeout     time.Duration
	Journal     string
	LastPort    int // 0 when no port has been operated yet
	Description string
	Aliases     *alias.Table

	// Unexpanded secrets as written in the file, so Save never persists
	// values that came from the environment.
	rawPassword  string
	rawCommunity string
}

// document is the on-disk YAML schema. Required keys are pointers so that
// absent keys can be told apart from zero values.
type document struct {
	Hostname    *string       `yaml:"hostname"`
	User        *string       `yaml:"user"`
	Password    string        `yaml:"password,omitempty"`
	Protocol    string        `yaml:"protocol,omitempty"`
	Port        int           `yaml:"port,omitempty"`
	Community   string        `yaml:"community,omitempty"`
	KnownHosts  string        `yaml:"known_hosts,omitempty"`
	Timeout     string        `yaml:"timeout,omitempty"`
	Journal     string        `yaml:"journal,omitempty"`
	LastPort    *int          `yaml:"last_port"`
	Description *string       `yaml:"description"`
	Aliases     *[]aliasEntry `yaml:"aliases"`
}

type aliasEntry struct {
	Port        int    `yaml:"port"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// New returns an empty record with transport defaults applied.
func New() *Config {
	return &Config{
		Protocol: ProtocolSSH,
		Port:     defaultPort(ProtocolSSH),
		Timeout:  DefaultTimeout,
		Aliases:  alias.NewTable(),
	}
}

// DefaultPath returns the config location under the user's config directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join("~", ".config", "apc", "config.yaml")
	}
	return filepath.Join(dir, "apc", "config.yaml")
}

// Load reads the YAML file at path. The whole record populates or Load fails.
func Load(path string) (*Config, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses YAML bytes into a Config.
func LoadFromBytes(data []byte) (*Config, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := doc.checkRequired(); err != nil {
		return nil, err
	}

	return doc.toConfig()
}

func (d *document) checkRequired() error {
	switch {
	case d.Hostname == nil:
		return fmt.Errorf("%w: hostname", ErrMissingKey)
	case d.User == nil:
		return fmt.Errorf("%w: user", ErrMissingKey)
	case d.LastPort == nil:
		return fmt.Errorf("%w: last_port", ErrMissingKey)
	case d.Description == nil:
		return fmt.Errorf("%w: description", ErrMissingKey)
	case d.Aliases == nil:
		return fmt.Errorf("%w: aliases", ErrMissingKey)
	}
	return nil
}

func (d *document) toConfig() (*Config, error) {
	cfg := New()
	cfg.Hostname = *d.Hostname
	cfg.User = *d.User
	cfg.Description = *d.Description
	cfg.KnownHosts = d.KnownHosts
	cfg.Journal = d.Journal

	if *d.LastPort < 0 {
		return nil, fmt.Errorf("%w: last_port %d is negative", ErrInvalid, *d.LastPort)
	}
	cfg.LastPort = *d.LastPort

	if d.Protocol != "" {
		if d.Protocol != ProtocolSSH && d.Protocol != ProtocolSNMP {
			return nil, fmt.Errorf("%w: unknown protocol %q", ErrInvalid, d.Protocol)
		}
		cfg.Protocol = d.Protocol
	}
	cfg.Port = defaultPort(cfg.Protocol)
	if d.Port != 0 {
		if d.Port < 0 || d.Port > 65535 {
			return nil, fmt.Errorf("%w: port %d out of range", ErrInvalid, d.Port)
		}
		cfg.Port = d.Port
	}

	if d.Timeout != "" {
		timeout, err := time.ParseDuration(d.Timeout)
		if err != nil || timeout <= 0 {
			return nil, fmt.Errorf("%w: timeout %q", ErrInvalid, d.Timeout)
		}
		cfg.Timeout = timeout
	}

	cfg.rawPassword = d.Password
	cfg.Password = expandEnv(d.Password)
	cfg.rawCommunity = d.Community
	cfg.Community = expandEnv(d.Community)

	for _, entry := range *d.Aliases {
		if _, taken := cfg.Aliases.Lookup(entry.Port); taken {
			return nil, fmt.Errorf("%w: port %d has more than one alias", ErrInvalid, entry.Port)
		}
		if err := cfg.Aliases.Set(entry.Port, entry.Name, entry.Description); err != nil {
			return nil, fmt.Errorf("%w: alias %q on port %d: %v", ErrInvalid, entry.Name, entry.Port, err)
		}
	}

	return cfg, nil
}

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	path, err := ExpandPath(path)
	if err != nil {
		return err
	}

	data, err := Marshal(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmpFile, path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}

// Marshal renders cfg in the on-disk YAML schema.
func Marshal(cfg *Config) ([]byte, error) {
	entries := make([]aliasEntry, 0, cfg.Aliases.Len())
	for _, a := range cfg.Aliases.List() {
		entries = append(entries, aliasEntry{Port: a.Port, Name: a.Name, Description: a.Description})
	}

	doc := document{
		Hostname:    &cfg.Hostname,
		User:        &cfg.User,
		Password:    keepRaw(cfg.rawPassword, cfg.Password),
		Community:   keepRaw(cfg.rawCommunity, cfg.Community),
		KnownHosts:  cfg.KnownHosts,
		Journal:     cfg.Journal,
		LastPort:    &cfg.LastPort,
		Description: &cfg.Description,
		Aliases:     &entries,
	}
	if cfg.Protocol != ProtocolSSH {
		doc.Protocol = cfg.Protocol
	}
	if cfg.Port != defaultPort(cfg.Protocol) {
		doc.Port = cfg.Port
	}
	if cfg.Timeout != DefaultTimeout && cfg.Timeout > 0 {
		doc.Timeout = cfg.Timeout.String()
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// keepRaw returns the unexpanded form of a secret unless it was changed
// in memory since loading.
func keepRaw(raw, expanded string) string {
	if expandEnv(raw) == expanded {
		return raw
	}
	return expanded
}

func defaultPort(protocol string) int {
	if protocol == ProtocolSNMP {
		return 161
	}
	return 22
}
