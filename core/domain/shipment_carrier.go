package domain

import (
	"strings"
	"time"
)

// Carrier is one configured ocean carrier with its sender domain patterns.
type Carrier struct {
	ID            int64     `json:"id"`
	Code          string    `json:"code"` // SCAC
	Name          string    `json:"name"`
	SenderDomains []string  `json:"sender_domains"` // Lowercase substrings matched against the sender domain
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// MatchesDomain reports whether the sender domain belongs to this carrier.
func (c *Carrier) MatchesDomain(domain string) bool {
	domain = strings.ToLower(domain)
	if domain == "" {
		return false
	}
	for _, pattern := range c.SenderDomains {
		if pattern != "" && strings.Contains(domain, pattern) {
			return true
		}
	}
	return false
}

// FallbackCarriers is the hardcoded major-carrier list used when the
// carrier configuration table is empty or unreachable.
func FallbackCarriers() []*Carrier {
	return []*Carrier{
		{Code: "MAEU", Name: "Maersk", SenderDomains: []string{"maersk.com"}, Active: true},
		{Code: "HLCU", Name: "Hapag-Lloyd", SenderDomains: []string{"hlag.com", "hapag-lloyd.com"}, Active: true},
		{Code: "CMDU", Name: "CMA CGM", SenderDomains: []string{"cma-cgm.com"}, Active: true},
		{Code: "MSCU", Name: "MSC", SenderDomains: []string{"msc.com"}, Active: true},
		{Code: "EGLV", Name: "Evergreen", SenderDomains: []string{"evergreen-line.com", "evergreen-marine.com"}, Active: true},
		{Code: "OOLU", Name: "OOCL", SenderDomains: []string{"oocl.com"}, Active: true},
		{Code: "COSU", Name: "COSCO", SenderDomains: []string{"cosco.com", "coscoshipping.com"}, Active: true},
		{Code: "YMLU", Name: "Yang Ming", SenderDomains: []string{"yangming.com"}, Active: true},
		{Code: "ONEY", Name: "ONE", SenderDomains: []string{"one-line.com"}, Active: true},
		{Code: "ZIMU", Name: "ZIM", SenderDomains: []string{"zim.com"}, Active: true},
		{Code: "HDMU", Name: "HMM", SenderDomains: []string{"hmm21.com"}, Active: true},
		{Code: "PCIU", Name: "PIL", SenderDomains: []string{"pilship.com"}, Active: true},
		{Code: "WHLC", Name: "Wan Hai", SenderDomains: []string{"wanhai.com"}, Active: true},
		{Code: "SITC", Name: "SITC", SenderDomains: []string{"sitc.com"}, Active: true},
	}
}

// MatchCarrierDomain resolves a sender domain to a carrier, first against
// the configured list, then the hardcoded fallback. Nil when no match.
func MatchCarrierDomain(domain string, configured []*Carrier) *Carrier {
	domain = strings.ToLower(domain)
	if domain == "" {
		return nil
	}
	for _, c := range configured {
		if c.Active && c.MatchesDomain(domain) {
			return c
		}
	}
	if len(configured) == 0 {
		for _, c := range FallbackCarriers() {
			if c.MatchesDomain(domain) {
				return c
			}
		}
	}
	return nil
}

// CarrierIDPattern is one configured identifier regex for a carrier.
// The extraction registry compiles these once per cache refresh.
type CarrierIDPattern struct {
	ID          int64      `json:"id"`
	CarrierCode string     `json:"carrier_code"` // Empty applies to every carrier
	EntityType  EntityType `json:"entity_type"`
	Pattern     string     `json:"pattern"`
	Confidence  float64    `json:"confidence"`
	Priority    int        `json:"priority"`
	Enabled     bool       `json:"enabled"`
}
