package domain

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

type ContextKind string

const (
	ContextGlobal       ContextKind = "global"
	ContextDomain       ContextKind = "domain"
	ContextSubscription ContextKind = "subscription"
)

// NetworkContext identifie un "bucket" de bande passante.
// Plusieurs contextes s'appliquent en même temps à une requête ; l'admission
// exige que tous l'autorisent.
type NetworkContext struct {
	Kind ContextKind `json:"kind"`
	Key  string      `json:"key,omitempty"`
}

func GlobalContext() NetworkContext {
	return NetworkContext{Kind: ContextGlobal}
}

func DomainContext(domain string) NetworkContext {
	return NetworkContext{Kind: ContextDomain, Key: strings.ToLower(domain)}
}

func SubscriptionContext(name string) NetworkContext {
	return NetworkContext{Kind: ContextSubscription, Key: name}
}

func (c NetworkContext) String() string {
	if c.Key == "" {
		return string(c.Kind)
	}
	return string(c.Kind) + ":" + c.Key
}

func (c NetworkContext) IsZero() bool {
	return c.Kind == ""
}

// DomainOf renvoie l'hôte en minuscules, sans port ni "www.".
func DomainOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// SecondLevelDomain réduit "img3.example.com" à "example.com" et
// "news.bbc.co.uk" à "bbc.co.uk" (liste des suffixes publics).
// Les IP, les hôtes à un seul label et les suffixes nus sont renvoyés tels quels.
func SecondLevelDomain(host string) string {
	if host == "" || !strings.Contains(host, ".") || net.ParseIP(host) != nil {
		return host
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return etld1
}

// ContextsForURL returns global plus the domain chain for rawURL, most general first.
func ContextsForURL(rawURL string) []NetworkContext {
	out := []NetworkContext{GlobalContext()}
	host := DomainOf(rawURL)
	if host == "" {
		return out
	}
	sld := SecondLevelDomain(host)
	out = append(out, DomainContext(sld))
	if sld != host {
		out = append(out, DomainContext(host))
	}
	return out
}

// ContextsForSubscription ajoute le contexte de l'abonnement à la chaîne de domaines.
func ContextsForSubscription(name, rawURL string) []NetworkContext {
	out := ContextsForURL(rawURL)
	if name != "" {
		out = append(out, SubscriptionContext(name))
	}
	return out
}
