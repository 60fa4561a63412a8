package config

import (
	"net"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/eshenhu/someip/sd"
	"github.com/eshenhu/someip/someip"
)

// Config is the someipd configuration file.
//
//	log_level = "info"
//
//	[tcp]
//	addr = ":30509"
//	advertise = "192.168.0.10"
//
//	[sd]
//	multicast_group = "226.1.1.1"
//	port = 10102
//
//	[[service]]
//	service_id = 0x1234
//	instance_id = 1
//	echo = [0x0001]
type Config struct {
	LogLevel string          `toml:"log_level"`
	TCP      TCPConfig       `toml:"tcp"`
	SD       SDConfig        `toml:"sd"`
	Services []ServiceConfig `toml:"service"`
}

// TCPConfig is the application traffic listener.
type TCPConfig struct {
	Addr string `toml:"addr"`
	// Advertise is the address put into offers of local services.
	Advertise string `toml:"advertise"`
}

// SDConfig is the service discovery socket.
type SDConfig struct {
	MulticastGroup string `toml:"multicast_group"`
	Port           int    `toml:"port"`
	Interface      string `toml:"interface"`
	MulticastTTL   int    `toml:"multicast_ttl"`
	Loopback       bool   `toml:"loopback"`
}

// ServiceConfig is a service instance offered by the daemon.
type ServiceConfig struct {
	ServiceID  uint16 `toml:"service_id"`
	InstanceID uint16 `toml:"instance_id"`
	Protocol   string `toml:"protocol"`
	// Echo lists the methods answered by returning the request payload.
	Echo []uint16 `toml:"echo"`
}

// Default returns the configuration used for everything the file leaves out.
func Default() Config {
	return Config{
		LogLevel: "info",
		TCP: TCPConfig{
			Addr:      ":30509",
			Advertise: "127.0.0.1",
		},
		SD: SDConfig{
			MulticastGroup: sd.DefaultMulticastGroup,
			Port:           sd.DefaultPort,
			MulticastTTL:   1,
			Loopback:       true,
		},
	}
}

// Load reads the file at path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config parse failed (%s)", path)
	}
	return finish(cfg, meta)
}

// Parse is Load for a configuration held in memory.
func Parse(data string) (Config, error) {
	cfg := Default()
	meta, err := toml.Decode(data, &cfg)
	if err != nil {
		return Config{}, errors.Wrap(err, "config parse failed")
	}
	return finish(cfg, meta)
}

func finish(cfg Config, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, errors.Errorf("config has unknown keys: %s", strings.Join(keys, ", "))
	}
	for i := range cfg.Services {
		if cfg.Services[i].Protocol == "" {
			cfg.Services[i].Protocol = "tcp"
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values Load cannot default.
func (c Config) Validate() error {
	if strings.TrimSpace(c.TCP.Addr) == "" {
		return errors.New("tcp config missing addr")
	}
	if _, _, err := net.SplitHostPort(c.TCP.Addr); err != nil {
		return errors.Wrap(err, "tcp addr")
	}
	if ip := net.ParseIP(c.TCP.Advertise); ip == nil || ip.To4() == nil {
		return errors.Errorf("tcp advertise %q is not an IPv4 address", c.TCP.Advertise)
	}
	if ip := net.ParseIP(c.SD.MulticastGroup); ip == nil || !ip.IsMulticast() || ip.To4() == nil {
		return errors.Errorf("sd multicast_group %q is not an IPv4 multicast address", c.SD.MulticastGroup)
	}
	if c.SD.Port <= 0 || c.SD.Port > 0xFFFF {
		return errors.Errorf("sd port %d out of range", c.SD.Port)
	}

	seen := make(map[uint16]bool)
	for i, s := range c.Services {
		if s.ServiceID == 0 {
			return errors.Errorf("service[%d] missing service_id", i)
		}
		if seen[s.ServiceID] {
			return errors.Errorf("service[%d] duplicates service_id 0x%04x", i, s.ServiceID)
		}
		seen[s.ServiceID] = true
		if _, err := s.TransportProtocol(); err != nil {
			return errors.Wrapf(err, "service[%d]", i)
		}
	}
	return nil
}

// TransportProtocol maps the protocol name to its SD value.
func (s ServiceConfig) TransportProtocol() (sd.TransportProtocol, error) {
	switch strings.ToLower(s.Protocol) {
	case "", "tcp":
		return sd.TCP, nil
	case "udp":
		return sd.UDP, nil
	default:
		return 0, errors.Errorf("unknown protocol %q", s.Protocol)
	}
}

// Key returns the service instance the entry configures.
func (s ServiceConfig) Key() sd.ServiceKey {
	return sd.ServiceKey{ServiceID: someip.ServiceID(s.ServiceID), InstanceID: someip.InstanceID(s.InstanceID)}
}

// Endpoint returns the SD socket settings.
func (c SDConfig) Endpoint() sd.EndpointConfig {
	return sd.EndpointConfig{
		Group:        net.ParseIP(c.MulticastGroup),
		Port:         c.Port,
		Interface:    c.Interface,
		MulticastTTL: c.MulticastTTL,
		Loopback:     c.Loopback,
	}
}

// AdvertisedPort returns the port of the TCP listener.
func (c TCPConfig) AdvertisedPort() (uint16, error) {
	_, p, err := net.SplitHostPort(c.Addr)
	if err != nil {
		return 0, err
	}
	port, err := net.LookupPort("tcp", p)
	if err != nil {
		return 0, err
	}
	return uint16(port), nil
}
