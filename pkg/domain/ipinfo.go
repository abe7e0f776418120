package domain

import (
	"context"
	"strings"
)

// IPInfo describes what the geolocation service knows about a client address.
// The zero value is valid and reports nothing: every predicate is false-safe
// so decision explanation never fails on partially populated data.
type IPInfo struct {
	IP          string
	Country     string // ISO 3166-1 alpha-2
	CountryName string
	Region      string
	City        string
	ASN         string
	ASNName     string
	ASNType     string // isp, hosting, business, education
	Service     string // provider name when the address belongs to a known service

	VPN     bool
	Proxy   bool
	Tor     bool
	Hosting bool
	Relay   bool
}

// HasLocation reports whether any location field is populated.
func (i IPInfo) HasLocation() bool {
	return i.Country != "" || i.Region != "" || i.City != ""
}

// Anonymized reports whether the address hides the true client behind a VPN,
// proxy, Tor exit or relay service.
func (i IPInfo) Anonymized() bool {
	return i.VPN || i.Proxy || i.Tor || i.Relay
}

// describeLocation renders "City, Region, Country" from whatever fields are
// populated, or "" when none are.
func (i IPInfo) describeLocation() string {
	parts := make([]string, 0, 3)
	if i.City != "" {
		parts = append(parts, i.City)
	}
	if i.Region != "" {
		parts = append(parts, i.Region)
	}
	switch {
	case i.CountryName != "":
		parts = append(parts, i.CountryName)
	case i.Country != "":
		parts = append(parts, i.Country)
	}
	return strings.Join(parts, ", ")
}

// describeFlags lists the network flags set on the address.
func (i IPInfo) describeFlags() []string {
	var flags []string
	if i.VPN {
		flags = append(flags, "VPN")
	}
	if i.Proxy {
		flags = append(flags, "proxy")
	}
	if i.Tor {
		flags = append(flags, "Tor")
	}
	if i.Hosting {
		flags = append(flags, "hosting")
	}
	if i.Relay {
		flags = append(flags, "relay")
	}
	return flags
}

// GeolocationService resolves network intelligence for a client address.
// The orchestrator wraps lookups in a circuit breaker, so implementations
// only need to return an error on failure.
type GeolocationService interface {
	Lookup(ctx context.Context, ip string) (IPInfo, error)
}

// StaticGeolocation is a fixed-table GeolocationService keyed by exact
// address. Unknown addresses resolve to an IPInfo carrying only the IP, so
// the table doubles as a stand-in where no provider is wired.
type StaticGeolocation map[string]IPInfo

// Lookup implements GeolocationService.
func (s StaticGeolocation) Lookup(_ context.Context, ip string) (IPInfo, error) {
	info, ok := s[ip]
	if !ok {
		return IPInfo{IP: ip}, nil
	}
	if info.IP == "" {
		info.IP = ip
	}
	return info, nil
}
