package chshare

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/sammck-go/relayhttp/pkg/logger"
)

// FileConfig is the JSON configuration file of the relayhttp command. Empty
// fields leave the corresponding setting alone.
type FileConfig struct {
	Transport             string `json:"transport,omitempty"`
	Listen                string `json:"listen,omitempty"`
	MaxConcurrentRequests int    `json:"max_concurrent_requests,omitempty"`
	Parallelism           int    `json:"parallelism,omitempty"`
	BaseAddress           string `json:"base_address,omitempty"`
	Proxy                 string `json:"proxy,omitempty"`
	LogLevel              string `json:"log_level,omitempty"`
	KeySeed               string `json:"key_seed,omitempty"`
	Auth                  string `json:"auth,omitempty"`
	CloseTimeout          string `json:"close_timeout,omitempty"`
}

// LoadFileConfig reads and parses a JSON configuration file. Unknown keys and
// trailing data are errors.
func LoadFileConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFileConfig(b)
}

// ParseFileConfig parses a JSON configuration document
func ParseFileConfig(b []byte) (*FileConfig, error) {
	var fc FileConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fc); err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid config file: unexpected data after JSON value")
	}
	if fc.LogLevel != "" {
		if _, err := fc.ParseLogLevel(); err != nil {
			return nil, err
		}
	}
	return &fc, nil
}

// ParseLogLevel returns the configured log level, or LogLevelUnknown if none
// is set
func (fc *FileConfig) ParseLogLevel() (logger.LogLevel, error) {
	if fc.LogLevel == "" {
		return logger.LogLevelUnknown, nil
	}
	var l logger.LogLevel
	if err := l.FromString(fc.LogLevel); err != nil {
		return logger.LogLevelUnknown, err
	}
	return l, nil
}

// Apply copies the server settings in fc onto c. It does not validate c.
func (fc *FileConfig) Apply(c *Config) error {
	if fc.MaxConcurrentRequests != 0 {
		c.MaxConcurrentRequests = fc.MaxConcurrentRequests
	}
	if fc.Parallelism != 0 {
		c.Parallelism = fc.Parallelism
	}
	if fc.BaseAddress != "" {
		u, err := url.Parse(fc.BaseAddress)
		if err != nil {
			return fmt.Errorf("invalid base_address: %w", err)
		}
		c.BaseAddress = u
	}
	if fc.CloseTimeout != "" {
		d, err := time.ParseDuration(fc.CloseTimeout)
		if err != nil {
			return fmt.Errorf("invalid close_timeout: %w", err)
		}
		c.CloseTimeout = d
	}
	if c.Logger != nil {
		l, err := fc.ParseLogLevel()
		if err != nil {
			return err
		}
		if l != logger.LogLevelUnknown {
			c.Logger.SetLogLevel(l)
		}
	}
	return nil
}
