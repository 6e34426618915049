package hub

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"logbridge/streams"
)

const (
	DriverSarama = "sarama"
	DriverKgo    = "kgo"
	DriverMemory = "memory"
)

// Settings locate the log and authenticate against it. Secrets may be kept out of the
// main config file in a separate YAML document named by SettingsFile.
type Settings struct {
	Driver           string `koanf:"driver" yaml:"driver"`
	ConnectionString string `koanf:"connection_string" yaml:"connection_string"`
	Path             string `koanf:"path" yaml:"path"`
	SettingsFile     string `koanf:"settings_file" yaml:"-"`
	ClientID         string `koanf:"client_id" yaml:"client_id"`
	Version          string `koanf:"version" yaml:"version"`
	TLSEnabled       bool   `koanf:"tls_enabled" yaml:"tls_enabled"`
	SASLUser         string `koanf:"sasl_user" yaml:"sasl_user"`
	SASLPass         string `koanf:"sasl_pass" yaml:"sasl_pass"`
	Partitions       int    `koanf:"partitions" yaml:"partitions"`
}

// Resolve overlays the fields set in SettingsFile onto s.
func (s Settings) Resolve() (Settings, error) {
	if s.SettingsFile == "" {
		return s, nil
	}
	raw, err := os.ReadFile(s.SettingsFile)
	if err != nil {
		return s, fmt.Errorf("hub settings file: %w", err)
	}
	var f Settings
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return s, fmt.Errorf("hub settings file %s: %w", s.SettingsFile, err)
	}
	overlay(&s.Driver, f.Driver)
	overlay(&s.ConnectionString, f.ConnectionString)
	overlay(&s.Path, f.Path)
	overlay(&s.ClientID, f.ClientID)
	overlay(&s.Version, f.Version)
	overlay(&s.SASLUser, f.SASLUser)
	overlay(&s.SASLPass, f.SASLPass)
	if f.TLSEnabled {
		s.TLSEnabled = true
	}
	if f.Partitions > 0 {
		s.Partitions = f.Partitions
	}
	s.SettingsFile = ""
	return s, nil
}

func overlay(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate names the first missing or invalid field.
func (s Settings) Validate() error {
	switch s.Driver {
	case "":
		return streams.Missing("hub.driver")
	case DriverMemory:
		if s.Partitions <= 0 {
			return streams.Invalid("hub.partitions", "must be positive for the memory driver")
		}
		return nil
	}
	if strings.TrimSpace(s.ConnectionString) == "" {
		return streams.Missing("hub.connection_string")
	}
	if strings.TrimSpace(s.Path) == "" {
		return streams.Missing("hub.path")
	}
	return nil
}

// Brokers splits the connection string into seed addresses.
func (s Settings) Brokers() []string {
	var out []string
	for _, b := range strings.Split(s.ConnectionString, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func (s Settings) clientID() string {
	if s.ClientID != "" {
		return s.ClientID
	}
	return "logbridge"
}
