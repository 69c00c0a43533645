// Package gallery turns subscription queries into listing page URLs and
// listing pages into file URLs.
package gallery

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/Guilhem-Bonnet/gallery-subscriber/internal/ports"
)

const (
	phQuery  = "{query}"
	phPage   = "{page}"
	phOffset = "{offset}"
)

var ErrBadTemplate = errors.New("gallery template must contain {query}")

// TemplateConfig décrit un générateur tel qu'il apparaît dans le fichier de config.
type TemplateConfig struct {
	Name       string `json:"name" toml:"name" yaml:"name"`
	Template   string `json:"template" toml:"template" yaml:"template"`
	PageStart  int    `json:"pageStart" toml:"page_start" yaml:"page_start"`
	PageStep   int    `json:"pageStep" toml:"page_step" yaml:"page_step"`
	OffsetStep int    `json:"offsetStep" toml:"offset_step" yaml:"offset_step"`
	// SpaceAs: "+" (défaut) ou "%20".
	SpaceAs string `json:"spaceAs" toml:"space_as" yaml:"space_as"`
	// Raw insère la query telle quelle (la query est déjà une URL de flux).
	Raw bool `json:"raw" toml:"raw" yaml:"raw"`
}

// TemplateGenerator implémente ports.GalleryURLGenerator à partir d'un gabarit
// du type "https://site/search?tags={query}&page={page}".
type TemplateGenerator struct {
	cfg     TemplateConfig
	matcher *regexp.Regexp
	// ordre des groupes capturés dans matcher
	groups []string
}

func NewTemplateGenerator(cfg TemplateConfig) (*TemplateGenerator, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return nil, errors.New("gallery generator needs a name")
	}
	if !strings.Contains(cfg.Template, phQuery) {
		return nil, fmt.Errorf("%s: %w", cfg.Name, ErrBadTemplate)
	}
	if _, err := url.Parse(strings.NewReplacer(phQuery, "q", phPage, "1", phOffset, "0").Replace(cfg.Template)); err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Name, err)
	}
	if cfg.PageStep <= 0 {
		cfg.PageStep = 1
	}
	if cfg.PageStart < 0 {
		cfg.PageStart = 0
	} else if cfg.PageStart == 0 && strings.Contains(cfg.Template, phPage) {
		cfg.PageStart = 1
	}
	if cfg.SpaceAs == "" {
		cfg.SpaceAs = "+"
	}

	g := &TemplateGenerator{cfg: cfg}
	g.buildMatcher()
	return g, nil
}

func (g *TemplateGenerator) buildMatcher() {
	var b strings.Builder
	b.WriteString("^")
	rest := g.cfg.Template
	for rest != "" {
		i := strings.IndexByte(rest, '{')
		if i < 0 {
			b.WriteString(regexp.QuoteMeta(rest))
			break
		}
		b.WriteString(regexp.QuoteMeta(rest[:i]))
		rest = rest[i:]
		switch {
		case strings.HasPrefix(rest, phQuery):
			b.WriteString("(.*?)")
			g.groups = append(g.groups, phQuery)
			rest = rest[len(phQuery):]
		case strings.HasPrefix(rest, phPage):
			b.WriteString(`(\d+)`)
			g.groups = append(g.groups, phPage)
			rest = rest[len(phPage):]
		case strings.HasPrefix(rest, phOffset):
			b.WriteString(`(\d+)`)
			g.groups = append(g.groups, phOffset)
			rest = rest[len(phOffset):]
		default:
			b.WriteString(regexp.QuoteMeta("{"))
			rest = rest[1:]
		}
	}
	b.WriteString("$")
	g.matcher = regexp.MustCompile(b.String())
}

func (g *TemplateGenerator) Name() string { return g.cfg.Name }

func (g *TemplateGenerator) Config() TemplateConfig { return g.cfg }

func (g *TemplateGenerator) escape(query string) string {
	if g.cfg.Raw {
		return strings.TrimSpace(query)
	}
	fields := strings.Fields(query)
	for i, f := range fields {
		fields[i] = url.QueryEscape(f)
	}
	return strings.Join(fields, g.cfg.SpaceAs)
}

func (g *TemplateGenerator) render(escapedQuery string, page, offset int) string {
	return strings.NewReplacer(
		phQuery, escapedQuery,
		phPage, strconv.Itoa(page),
		phOffset, strconv.Itoa(offset),
	).Replace(g.cfg.Template)
}

func (g *TemplateGenerator) GalleryURLs(query string) ([]string, error) {
	q := g.escape(query)
	if q == "" {
		return nil, errors.New("empty query")
	}
	return []string{g.render(q, g.cfg.PageStart, 0)}, nil
}

// NextPageURL relit page et offset dans l'URL puis les avance d'un cran.
func (g *TemplateGenerator) NextPageURL(pageURL string) string {
	paged := strings.Contains(g.cfg.Template, phPage)
	offsetted := strings.Contains(g.cfg.Template, phOffset) && g.cfg.OffsetStep > 0
	if !paged && !offsetted {
		return ""
	}
	m := g.matcher.FindStringSubmatch(pageURL)
	if m == nil {
		return ""
	}
	var (
		q      string
		page   = g.cfg.PageStart
		offset int
	)
	for i, name := range g.groups {
		v := m[i+1]
		switch name {
		case phQuery:
			q = v
		case phPage:
			page, _ = strconv.Atoi(v)
		case phOffset:
			offset, _ = strconv.Atoi(v)
		}
	}
	if paged {
		page += g.cfg.PageStep
	}
	if offsetted {
		offset += g.cfg.OffsetStep
	}
	return g.render(q, page, offset)
}

// Registry implémente ports.GalleryGenerators; remplaçable à chaud.
type Registry struct {
	mu   sync.RWMutex
	gens map[string]ports.GalleryURLGenerator
}

func NewRegistry(gens ...ports.GalleryURLGenerator) *Registry {
	r := &Registry{}
	r.Replace(gens...)
	return r
}

// RegistryFromConfig construit tous les générateurs; une seule entrée invalide fait échouer l'ensemble.
func RegistryFromConfig(cfgs []TemplateConfig) (*Registry, error) {
	gens, err := BuildGenerators(cfgs)
	if err != nil {
		return nil, err
	}
	return NewRegistry(gens...), nil
}

func BuildGenerators(cfgs []TemplateConfig) ([]ports.GalleryURLGenerator, error) {
	out := make([]ports.GalleryURLGenerator, 0, len(cfgs))
	seen := map[string]bool{}
	for _, c := range cfgs {
		g, err := NewTemplateGenerator(c)
		if err != nil {
			return nil, err
		}
		if seen[g.Name()] {
			return nil, fmt.Errorf("duplicate gallery generator %q", g.Name())
		}
		seen[g.Name()] = true
		out = append(out, g)
	}
	return out, nil
}

func (r *Registry) Replace(gens ...ports.GalleryURLGenerator) {
	m := make(map[string]ports.GalleryURLGenerator, len(gens))
	for _, g := range gens {
		m[g.Name()] = g
	}
	r.mu.Lock()
	r.gens = m
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (ports.GalleryURLGenerator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gens[name]
	return g, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.gens))
	for n := range r.gens {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
