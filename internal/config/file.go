package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/adapters/bandwidth"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/adapters/domains"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/adapters/gallery"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/adapters/login"
	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/domain"
)

// NetworkFile est le fichier de config structuré: règles de bande passante,
// politique par domaine, logins et générateurs de galeries.
type NetworkFile struct {
	Bandwidth BandwidthSection         `toml:"bandwidth" yaml:"bandwidth"`
	Domains   DomainsSection           `toml:"domains" yaml:"domains"`
	Login     LoginSection             `toml:"login" yaml:"login"`
	Galleries []gallery.TemplateConfig `toml:"gallery" yaml:"galleries"`
}

type BandwidthSection struct {
	Global       []bandwidth.Rule              `toml:"global" yaml:"global"`
	Domain       []bandwidth.Rule              `toml:"domain" yaml:"domain"`
	Subscription []bandwidth.Rule              `toml:"subscription" yaml:"subscription"`
	Overrides    map[string][]bandwidth.Rule   `toml:"overrides" yaml:"overrides"`
	RequestRates map[string]bandwidth.RateSpec `toml:"request_rates" yaml:"request_rates"`
}

type DomainsSection struct {
	UserAgent      string                          `toml:"user_agent" yaml:"user_agent"`
	ErrorThreshold int                             `toml:"error_threshold" yaml:"error_threshold"`
	ErrorWindow    time.Duration                   `toml:"error_window" yaml:"error_window"`
	Sites          map[string]domains.DomainConfig `toml:"sites" yaml:"sites"`
}

type LoginSection struct {
	TTL          time.Duration                `toml:"ttl" yaml:"ttl"`
	FailureTTL   time.Duration                `toml:"failure_ttl" yaml:"failure_ttl"`
	ProbeTimeout time.Duration                `toml:"probe_timeout" yaml:"probe_timeout"`
	Sites        map[string]login.DomainLogin `toml:"sites" yaml:"sites"`
}

// DefaultNetworkFile: règles prudentes et un générateur "feed" où la query est l'URL du flux.
func DefaultNetworkFile() NetworkFile {
	bw := bandwidth.DefaultConfig()
	d := domains.DefaultConfig()
	return NetworkFile{
		Bandwidth: BandwidthSection{
			Global: bw.Defaults[domain.ContextGlobal],
			Domain: bw.Defaults[domain.ContextDomain],
		},
		Domains: DomainsSection{
			UserAgent:      d.UserAgent,
			ErrorThreshold: d.ErrorThreshold,
			ErrorWindow:    d.ErrorWindow,
		},
		Galleries: []gallery.TemplateConfig{{Name: "feed", Template: "{query}", Raw: true}},
	}
}

// LoadNetworkFile lit path selon son extension. Un chemin vide renvoie les défauts.
func LoadNetworkFile(path string) (NetworkFile, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultNetworkFile(), nil
	}
	var f NetworkFile
	raw, err := os.ReadFile(path)
	if err != nil {
		return NetworkFile{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.NewDecoder(bytes.NewReader(raw)).Decode(&f); err != nil {
			return NetworkFile{}, fmt.Errorf("%s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return NetworkFile{}, fmt.Errorf("%s: %w", path, err)
		}
	default:
		return NetworkFile{}, fmt.Errorf("%s: unsupported config format", path)
	}
	f = f.withDefaults()
	if _, err := gallery.BuildGenerators(f.Galleries); err != nil {
		return NetworkFile{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// withDefaults complète les sections absentes du fichier.
func (f NetworkFile) withDefaults() NetworkFile {
	d := DefaultNetworkFile()
	if len(f.Bandwidth.Global) == 0 {
		f.Bandwidth.Global = d.Bandwidth.Global
	}
	if len(f.Bandwidth.Domain) == 0 {
		f.Bandwidth.Domain = d.Bandwidth.Domain
	}
	if len(f.Galleries) == 0 {
		f.Galleries = d.Galleries
	}
	return f
}

func (f NetworkFile) BandwidthConfig() bandwidth.Config {
	defaults := map[domain.ContextKind][]bandwidth.Rule{}
	if len(f.Bandwidth.Global) > 0 {
		defaults[domain.ContextGlobal] = f.Bandwidth.Global
	}
	if len(f.Bandwidth.Domain) > 0 {
		defaults[domain.ContextDomain] = f.Bandwidth.Domain
	}
	if len(f.Bandwidth.Subscription) > 0 {
		defaults[domain.ContextSubscription] = f.Bandwidth.Subscription
	}
	rates := map[string]bandwidth.RateSpec{}
	for k, v := range f.Bandwidth.RequestRates {
		if k == "default" {
			k = ""
		}
		rates[k] = v
	}
	return bandwidth.Config{Defaults: defaults, Overrides: f.Bandwidth.Overrides, RequestRates: rates}
}

func (f NetworkFile) DomainsConfig() domains.Config {
	return domains.Config{
		UserAgent:      f.Domains.UserAgent,
		ErrorThreshold: f.Domains.ErrorThreshold,
		ErrorWindow:    f.Domains.ErrorWindow,
		Domains:        f.Domains.Sites,
	}
}

func (f NetworkFile) LoginConfig() login.Config {
	return login.Config{Domains: f.Login.Sites, TTL: f.Login.TTL, FailureTTL: f.Login.FailureTTL, ProbeTimeout: f.Login.ProbeTimeout}
}
