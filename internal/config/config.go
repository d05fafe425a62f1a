// Package config loads and validates the forwarder's configuration. Loading
// (this file) is a swappable outer collaborator, the same way the teacher's
// internal/config/config.go loads config.toml via Viper: the core
// (Orchestrator.Init) never sees a Viper value, only the validated
// EndpointConfig/TargetBackend structs in types.go.
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/viper"

	"github.com/otlpxy/portforward/internal/ferrors"
	"github.com/otlpxy/portforward/internal/metrics"
)

// rawBackend mirrors TargetBackend's on-disk shape, mapstructure-tagged the
// same way the teacher tags Config.
type rawBackend struct {
	IP              string            `mapstructure:"ip"`
	Port            int               `mapstructure:"port"`
	Weight          int               `mapstructure:"weight"`
	Zone            string            `mapstructure:"zone"`
	HTTPPath        string            `mapstructure:"http_path"`
	StripPath       bool              `mapstructure:"strip_path"`
	BackendProtocol string            `mapstructure:"backend_protocol"`
	TimeoutSeconds  int               `mapstructure:"timeout_seconds"`
	RequestHeaders  map[string]string `mapstructure:"request_headers"`
}

type rawZoneAffinity struct {
	FallbackToLeastConnections bool `mapstructure:"fallback_to_least_connections"`
}

type rawEndpoint struct {
	ListenIP                  string           `mapstructure:"listen_ip"`
	ListenPort                int              `mapstructure:"listen_port"`
	Protocol                  string           `mapstructure:"protocol"`
	MaxConnections            int              `mapstructure:"max_connections"`
	PathPrefix                string           `mapstructure:"path_prefix"`
	ServerCertFile            string           `mapstructure:"server_cert_file"`
	ServerKeyFile             string           `mapstructure:"server_key_file"`
	ClientCertificateRequired bool             `mapstructure:"client_certificate_required"`
	Algorithm                 string           `mapstructure:"load_balancing_algorithm"`
	ZoneAffinity              *rawZoneAffinity `mapstructure:"zone_affinity"`
	UDPSticky                 bool             `mapstructure:"udp_sticky"`
	HTTPSticky                bool             `mapstructure:"http_sticky"`
	DispatchMode              string           `mapstructure:"udp_dispatch_mode"`
	TargetServers             []rawBackend     `mapstructure:"target_servers"`
}

// RawConfig is the top-level document shape read from TOML.
type RawConfig struct {
	Endpoints []rawEndpoint `mapstructure:"endpoints"`

	// Ambient/control-plane settings, kept flat the way the teacher keeps
	// ServerPort/ShutdownDrainSeconds alongside the domain fields.
	ControlPlanePort       int `mapstructure:"control_plane_port"`
	ShutdownDrainSeconds   int `mapstructure:"shutdown_drain_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`

	GeoRulesFile string `mapstructure:"geo_rules_file"`
}

// Settings bundles the validated EndpointConfig list with the ambient
// process settings cmd/portforward needs.
type Settings struct {
	Endpoints              []*EndpointConfig
	ControlPlanePort       int
	ShutdownDrain          time.Duration
	ShutdownTimeout        time.Duration
	GeoRulesFile           string
}

// Load reads path via Viper (TOML), applies defaults the same way the
// teacher's Load() does with viper.SetDefault, and validates the result into
// Settings. Returns a *ferrors.Error{Kind: KindConfig} on any problem.
func Load(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("control_plane_port", 9090)
	v.SetDefault("shutdown_drain_seconds", 2)
	v.SetDefault("shutdown_timeout_seconds", 10)

	if err := v.ReadInConfig(); err != nil {
		return nil, ferrors.Wrap(ferrors.KindConfig, "failed to read config file", err)
	}

	var raw RawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return nil, ferrors.Wrap(ferrors.KindConfig, "failed to unmarshal config", err)
	}

	return Validate(&raw)
}

// Validate converts a RawConfig into validated, immutable Settings. It is
// split out from Load so tests can exercise validation without a file on
// disk (e.g. constructing a RawConfig literal).
func Validate(raw *RawConfig) (*Settings, error) {
	if len(raw.Endpoints) == 0 {
		return nil, ferrors.New(ferrors.KindConfig, "at least one endpoint is required")
	}

	seenPorts := make(map[string]struct{}, len(raw.Endpoints))
	endpoints := make([]*EndpointConfig, 0, len(raw.Endpoints))

	for i, re := range raw.Endpoints {
		ep, err := validateEndpoint(i, re)
		if err != nil {
			return nil, err
		}
		addr := ep.Addr()
		if _, dup := seenPorts[addr]; dup {
			return nil, ferrors.New(ferrors.KindConfig, fmt.Sprintf("duplicate listener bound to %s", addr))
		}
		seenPorts[addr] = struct{}{}
		endpoints = append(endpoints, ep)
	}

	return &Settings{
		Endpoints:        endpoints,
		ControlPlanePort: orDefault(raw.ControlPlanePort, 9090),
		ShutdownDrain:    time.Duration(orDefault(raw.ShutdownDrainSeconds, 2)) * time.Second,
		ShutdownTimeout:  time.Duration(orDefault(raw.ShutdownTimeoutSeconds, 10)) * time.Second,
		GeoRulesFile:     raw.GeoRulesFile,
	}, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func validateEndpoint(idx int, re rawEndpoint) (*EndpointConfig, error) {
	if re.ListenIP == "" {
		re.ListenIP = "0.0.0.0"
	}
	if net.ParseIP(re.ListenIP) == nil {
		return nil, ferrors.New(ferrors.KindConfig, fmt.Sprintf("endpoint %d: invalid listen_ip %q", idx, re.ListenIP))
	}
	if re.ListenPort < 1 || re.ListenPort > 65535 {
		return nil, ferrors.New(ferrors.KindConfig, fmt.Sprintf("endpoint %d: listen_port %d out of range", idx, re.ListenPort))
	}

	proto := Protocol(re.Protocol)
	switch proto {
	case ProtocolTCP, ProtocolTLSTCP, ProtocolUDP, ProtocolHTTP:
	default:
		return nil, ferrors.New(ferrors.KindConfig, fmt.Sprintf("endpoint %d: unknown protocol %q", idx, re.Protocol))
	}

	if re.MaxConnections <= 0 {
		re.MaxConnections = 1000
	}

	if len(re.TargetServers) == 0 {
		return nil, ferrors.New(ferrors.KindConfig, fmt.Sprintf("endpoint %d: at least one target server is required", idx))
	}

	backends := make([]*TargetBackend, 0, len(re.TargetServers))
	for j, rb := range re.TargetServers {
		b, err := validateBackend(idx, j, rb)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}

	var cert *TLSMaterial
	if proto == ProtocolTLSTCP {
		if re.ServerCertFile == "" || re.ServerKeyFile == "" {
			return nil, ferrors.New(ferrors.KindConfig, fmt.Sprintf("endpoint %d: tlsTcp requires server_cert_file and server_key_file", idx))
		}
		cert = &TLSMaterial{CertFile: re.ServerCertFile, KeyFile: re.ServerKeyFile}
	}

	algo := Algorithm(re.Algorithm)
	switch algo {
	case "":
		algo = AlgoRoundRobin
	case AlgoRoundRobin, AlgoRandom, AlgoLeastConnections, AlgoWeightedRoundRobin, AlgoHash, AlgoZoneAffinity:
	default:
		return nil, ferrors.New(ferrors.KindConfig, fmt.Sprintf("endpoint %d: unknown load_balancing_algorithm %q", idx, re.Algorithm))
	}

	var zoneCfg *ZoneAffinityConfig
	if algo == AlgoZoneAffinity {
		zoneCfg = &ZoneAffinityConfig{FallbackToLeastConnections: true}
		if re.ZoneAffinity != nil {
			zoneCfg.FallbackToLeastConnections = re.ZoneAffinity.FallbackToLeastConnections
		}
	}

	dispatch := DispatchMode(re.DispatchMode)
	switch dispatch {
	case "":
		dispatch = DispatchSemaphore
	case DispatchPool, DispatchSemaphore, DispatchHybrid:
	default:
		return nil, ferrors.New(ferrors.KindConfig, fmt.Sprintf("endpoint %d: unknown udp_dispatch_mode %q", idx, re.DispatchMode))
	}

	return &EndpointConfig{
		ListenIP:                  re.ListenIP,
		ListenPort:                re.ListenPort,
		Protocol:                  proto,
		MaxConnections:            re.MaxConnections,
		PathPrefix:                re.PathPrefix,
		ServerCertificate:         cert,
		ClientCertificateRequired: re.ClientCertificateRequired,
		Backends:                  backends,
		Algorithm:                 algo,
		ZoneAffinity:              zoneCfg,
		UDPSticky:                 re.UDPSticky,
		HTTPSticky:                re.HTTPSticky,
		DispatchMode:              dispatch,
	}, nil
}

func validateBackend(epIdx, backendIdx int, rb rawBackend) (*TargetBackend, error) {
	if net.ParseIP(rb.IP) == nil {
		return nil, ferrors.New(ferrors.KindConfig, fmt.Sprintf("endpoint %d backend %d: invalid ip %q", epIdx, backendIdx, rb.IP))
	}
	if rb.Port < 1 || rb.Port > 65535 {
		return nil, ferrors.New(ferrors.KindConfig, fmt.Sprintf("endpoint %d backend %d: port %d out of range", epIdx, backendIdx, rb.Port))
	}
	if rb.Weight <= 0 {
		rb.Weight = 1
	}

	bp := BackendProtocol(rb.BackendProtocol)
	switch bp {
	case "":
		bp = BackendPlain
	case BackendPlain, BackendTLS:
	default:
		return nil, ferrors.New(ferrors.KindConfig, fmt.Sprintf("endpoint %d backend %d: unknown backend_protocol %q", epIdx, backendIdx, rb.BackendProtocol))
	}

	timeout := time.Duration(rb.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	headers := make(map[string][]string, len(rb.RequestHeaders))
	for k, val := range rb.RequestHeaders {
		headers[k] = []string{val}
	}

	target := &TargetBackend{
		IP:              rb.IP,
		Port:            rb.Port,
		Weight:          rb.Weight,
		Zone:            rb.Zone,
		HTTPPath:        rb.HTTPPath,
		StripPath:       rb.StripPath,
		BackendProtocol: bp,
		Timeout:         timeout,
		RequestHeaders:  headers,
	}
	target.State = metrics.NewBackendState(target.Key())
	return target, nil
}
