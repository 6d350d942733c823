package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fleetmon/fleetmon/pkg/types"
)

// Config is the top-level fleetmon configuration, read from
// <work>/etc/config.yaml.
type Config struct {
	WorkDir        string `yaml:"work_dir"`
	TCPTimeout     int    `yaml:"tcp_timeout"`      // seconds
	RetryInterval  int    `yaml:"retry_interval"`   // seconds
	MaxLogFiles    int    `yaml:"max_log_files"`    // retention: number of rotated log files
	SwitchFileTime int    `yaml:"switch_file_time"` // seconds between log file switches
	DangerJobs     uint64 `yaml:"danger_no_of_jobs"`

	Sites []SiteConfig `yaml:"sites"`
}

// SiteConfig describes one monitored site. A site without a command is a
// group aggregate row: it gets no polling client and summarizes the
// contiguous run of real sites that follow it.
type SiteConfig struct {
	Alias          string   `yaml:"alias"`
	Endpoints      []string `yaml:"endpoints"` // "host:port", one or two
	Command        string   `yaml:"command"`
	Interval       int      `yaml:"interval"`        // poll interval, seconds
	ConnectTime    int      `yaml:"connect_time"`    // scheduled disconnect, seconds
	DisconnectTime int      `yaml:"disconnect_time"` // reconnect delay, seconds
	SwitchMode     string   `yaml:"switch_mode"`     // none, auto, user
	Options        []string `yaml:"options"`
}

var optionBits = map[string]uint32{
	"tls":             types.OptTLS,
	"compression":     types.OptCompression,
	"strict_host_key": types.OptStrictHostKey,
	"system_log":      types.OptSystemLog,
	"receive_log":     types.OptReceiveLog,
	"transfer_log":    types.OptTransferLog,
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.TCPTimeout <= 0 {
		c.TCPTimeout = int(types.DefaultTCPTimeout / time.Second)
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = int(types.DefaultRetryInterval / time.Second)
	}
	if c.MaxLogFiles <= 0 {
		c.MaxLogFiles = types.DefaultMaxLogFiles
	}
	if c.SwitchFileTime <= 0 {
		c.SwitchFileTime = int(types.DefaultSwitchFileTime / time.Second)
	}
	for i := range c.Sites {
		if c.Sites[i].Interval <= 0 {
			c.Sites[i].Interval = int(types.DefaultPollInterval / time.Second)
		}
	}
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("work_dir is required")
	}
	if len(c.Sites) == 0 {
		return fmt.Errorf("at least one site is required")
	}

	seen := make(map[string]bool, len(c.Sites))
	for i, s := range c.Sites {
		if s.Alias == "" {
			return fmt.Errorf("site %d: alias is required", i)
		}
		if len(s.Alias) > types.MaxAliasLength {
			return fmt.Errorf("site %q: alias exceeds %d characters", s.Alias, types.MaxAliasLength)
		}
		if seen[s.Alias] {
			return fmt.Errorf("site %q: duplicate alias", s.Alias)
		}
		seen[s.Alias] = true

		if s.Command == "" {
			// Group row: endpoints are not used.
			continue
		}
		if len(s.Endpoints) < 1 || len(s.Endpoints) > 2 {
			return fmt.Errorf("site %q: need one or two endpoints, got %d", s.Alias, len(s.Endpoints))
		}
		for _, ep := range s.Endpoints {
			host, _, err := parseEndpoint(ep)
			if err != nil {
				return fmt.Errorf("site %q: %w", s.Alias, err)
			}
			if len(host) > types.MaxRealHostnameLength {
				return fmt.Errorf("site %q: hostname %q exceeds %d characters", s.Alias, host, types.MaxRealHostnameLength)
			}
		}
		switch s.SwitchMode {
		case "", "none", "auto", "user":
		default:
			return fmt.Errorf("site %q: invalid switch_mode %q", s.Alias, s.SwitchMode)
		}
		for _, opt := range s.Options {
			if _, ok := optionBits[opt]; !ok {
				return fmt.Errorf("site %q: unknown option %q", s.Alias, opt)
			}
		}
	}

	return nil
}

// Records builds the initial site records from the configuration, in
// configuration order (group rows precede the member sites they aggregate).
func (c *Config) Records() []types.SiteRecord {
	recs := make([]types.SiteRecord, len(c.Sites))
	for i, s := range c.Sites {
		recs[i] = s.Record()
	}
	return recs
}

// Record converts one site configuration into a fresh site record.
func (s *SiteConfig) Record() types.SiteRecord {
	rec := types.SiteRecord{
		Alias:          s.Alias,
		RemoteCmd:      s.Command,
		ConnectStatus:  types.StatusDisconnected,
		PollInterval:   time.Duration(s.Interval) * time.Second,
		ConnectTime:    time.Duration(s.ConnectTime) * time.Second,
		DisconnectTime: time.Duration(s.DisconnectTime) * time.Second,
		SwitchMode:     s.switchMode(),
		Options:        s.optionMask(),
	}
	for i, ep := range s.Endpoints {
		if i > 1 {
			break
		}
		host, port, err := parseEndpoint(ep)
		if err != nil {
			continue // validated at load time
		}
		rec.Endpoints[i] = types.Endpoint{Host: host, Port: port}
	}
	// A single endpoint site never switches.
	if len(s.Endpoints) < 2 {
		rec.SwitchMode = types.SwitchNone
	}
	return rec
}

func (s *SiteConfig) switchMode() types.SwitchMode {
	switch s.SwitchMode {
	case "auto":
		return types.SwitchAuto
	case "user":
		return types.SwitchUser
	default:
		return types.SwitchNone
	}
}

func (s *SiteConfig) optionMask() uint32 {
	var mask uint32
	for _, opt := range s.Options {
		mask |= optionBits[opt]
	}
	return mask
}

func parseEndpoint(ep string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(ep))
	if err != nil {
		return "", 0, fmt.Errorf("invalid endpoint %q: %w", ep, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in endpoint %q", ep)
	}
	return host, port, nil
}
