package core

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// TunConfig describes the local TUN device and the fake-IP pool CIDR it
// owns.
type TunConfig struct {
	Name string `yaml:"name"`
	IP   string `yaml:"ip"`
	CIDR string `yaml:"cidr"`
}

// DNSConfig describes the fake-DNS listener and its upstream resolvers.
type DNSConfig struct {
	Upstream  []string `yaml:"upstream"`
	Timeout   Duration `yaml:"timeout"`
	ListenAt  string   `yaml:"listen_at"`
}

// ProxyServer is a Server Descriptor: an upstream egress the rule engine can
// route to by name. Immutable once loaded.
type ProxyServer struct {
	Name        string `yaml:"name"`
	Protocol    string `yaml:"protocol"` // "socks5", "shadowsocks"
	Endpoint    string `yaml:"endpoint"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	Method      string `yaml:"method,omitempty"` // shadowsocks AEAD cipher
	SupportsUDP bool   `yaml:"supports_udp,omitempty"`
}

// Config is the top-level, immutable-after-load application configuration.
type Config struct {
	Port           uint16        `yaml:"port"`
	Tun            TunConfig     `yaml:"tun"`
	DNS            DNSConfig     `yaml:"dns"`
	ConnectTimeout Duration      `yaml:"connect_timeout"`
	ConnectRetries uint8         `yaml:"connect_retries"`
	ReadTimeout    Duration      `yaml:"read_timeout"`
	WriteTimeout   Duration      `yaml:"write_timeout"`
	Proxies        []ProxyServer `yaml:"proxies,omitempty"`
	Rules          []string      `yaml:"rules,omitempty"`
	GeoIPPath      string        `yaml:"geoip_db,omitempty"`
	Logging        LogConfig     `yaml:"logging,omitempty"`
}

// defaultConfig returns the documented defaults from the config key table.
func defaultConfig() Config {
	return Config{
		Port: 0,
		Tun: TunConfig{
			Name: "sazanami-tun",
			IP:   "10.0.0.1",
			CIDR: "10.0.0.0/16",
		},
		DNS: DNSConfig{
			Upstream: []string{"8.8.8.8:53", "1.1.1.1:53"},
			Timeout:  Duration(mustParseDuration("2s")),
			ListenAt: "127.0.0.1:53",
		},
		ConnectTimeout: Duration(mustParseDuration("100ms")),
		ConnectRetries: 2,
		ReadTimeout:    Duration(mustParseDuration("30s")),
		WriteTimeout:   Duration(mustParseDuration("30s")),
	}
}

func mustParseDuration(s string) Duration {
	d, err := ParseDuration(s)
	if err != nil {
		panic(err) // constant literal, never fails
	}
	return d
}

// ConfigManager handles loading and saving configuration, guarded by an
// RWMutex so readers (router, dispatcher, rule engine) never block on an
// in-flight reload.
type ConfigManager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
	bus      *EventBus
}

// NewConfigManager creates a config manager that reads from the given file.
func NewConfigManager(filePath string, bus *EventBus) *ConfigManager {
	return &ConfigManager{
		filePath: filePath,
		bus:      bus,
	}
}

// Load reads and parses the configuration from disk. If the file does not
// exist, a default config is created and written. Malformed YAML, an
// invalid duration, or a failed validateConfig check is surfaced wrapped in
// ErrConfigInvalid. Rule strings are not parsed here; rules.NewEngine
// rejects them when it compiles the list.
func (cm *ConfigManager) Load() error {
	data, err := os.ReadFile(cm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			Log.Infof("Core", "config %s not found, creating default", cm.filePath)
			cm.mu.Lock()
			cm.config = defaultConfig()
			cm.mu.Unlock()
			if saveErr := cm.Save(); saveErr != nil {
				return fmt.Errorf("create default config: %w", saveErr)
			}
			return nil
		}
		return fmt.Errorf("%w: read %s: %v", ErrConfigInvalid, cm.filePath, err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrConfigInvalid, cm.filePath, err)
	}
	if err := validateConfig(&cfg); err != nil {
		return err
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}

	return nil
}

// validateConfig checks that tun.cidr, tun.ip and dns.upstream are set and
// that every proxy has a unique, non-empty name. It does not parse the CIDR,
// the IP or the rule strings.
func validateConfig(cfg *Config) error {
	if cfg.Tun.CIDR == "" {
		return fmt.Errorf("%w: tun.cidr is required", ErrConfigInvalid)
	}
	if cfg.Tun.IP == "" {
		return fmt.Errorf("%w: tun.ip is required", ErrConfigInvalid)
	}
	if len(cfg.DNS.Upstream) == 0 {
		return fmt.Errorf("%w: dns.upstream must list at least one server", ErrConfigInvalid)
	}
	seen := make(map[string]bool, len(cfg.Proxies))
	for _, p := range cfg.Proxies {
		if p.Name == "" {
			return fmt.Errorf("%w: proxy entry missing name", ErrConfigInvalid)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate proxy name %q", ErrConfigInvalid, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// Save writes the current configuration to disk.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	data, err := yaml.Marshal(&cm.config)
	cm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(cm.filePath, data, 0644); err != nil {
		return fmt.Errorf("write config %s: %w", cm.filePath, err)
	}

	return nil
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// GetRules returns the ordered rule strings.
func (cm *ConfigManager) GetRules() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	result := make([]string, len(cm.config.Rules))
	copy(result, cm.config.Rules)
	return result
}

// SetRules replaces the ordered rule strings and publishes EventRuleUpdated.
func (cm *ConfigManager) SetRules(rules []string) {
	cm.mu.Lock()
	cm.config.Rules = rules
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventRuleUpdated, Payload: RulePayload{Rules: rules}})
	}
}
