package guardrail

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/guardrail-sh/guardrail/pkg/domain"
)

// ListConfig declares static membership lists for filtering. Entries
// combine with OR: any single match is a list hit.
type ListConfig struct {
	// IPs holds addresses or CIDR blocks, e.g. "203.0.113.7" or
	// "10.0.0.0/8".
	IPs []string
	// Countries holds ISO 3166-1 alpha-2 codes. Matching needs a
	// geolocation service.
	Countries []string
	// EmailDomains match the domain part of the supplied email, with or
	// without a leading "@".
	EmailDomains []string
	// UserIDs match the authenticated user identity.
	UserIDs []string
}

// listFilter is a compiled ListConfig.
type listFilter struct {
	prefixes  []netip.Prefix
	rawIPs    []string // original entries, parallel to prefixes
	countries map[string]struct{}
	domains   map[string]struct{}
	userIDs   map[string]struct{}
}

func newListFilter(cfg ListConfig) (*listFilter, error) {
	f := &listFilter{
		countries: make(map[string]struct{}, len(cfg.Countries)),
		domains:   make(map[string]struct{}, len(cfg.EmailDomains)),
		userIDs:   make(map[string]struct{}, len(cfg.UserIDs)),
	}

	for _, entry := range cfg.IPs {
		prefix, err := parseIPEntry(entry)
		if err != nil {
			return nil, &domain.ConfigError{Field: "ips", Message: fmt.Sprintf("invalid entry %q", entry)}
		}
		f.prefixes = append(f.prefixes, prefix)
		f.rawIPs = append(f.rawIPs, strings.TrimSpace(entry))
	}
	for _, code := range cfg.Countries {
		code = strings.ToUpper(strings.TrimSpace(code))
		if len(code) != 2 {
			return nil, &domain.ConfigError{Field: "countries", Message: fmt.Sprintf("invalid country code %q", code)}
		}
		f.countries[code] = struct{}{}
	}
	for _, dom := range cfg.EmailDomains {
		dom = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(dom), "@"))
		if dom == "" {
			return nil, &domain.ConfigError{Field: "emailDomains", Message: "empty domain entry"}
		}
		f.domains[dom] = struct{}{}
	}
	for _, id := range cfg.UserIDs {
		if strings.TrimSpace(id) == "" {
			return nil, &domain.ConfigError{Field: "userIds", Message: "empty user id entry"}
		}
		f.userIDs[id] = struct{}{}
	}

	return f, nil
}

// parseIPEntry accepts a bare address or a CIDR block.
func parseIPEntry(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		return netip.ParsePrefix(entry)
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func (f *listFilter) isEmpty() bool {
	return len(f.prefixes) == 0 && len(f.countries) == 0 && len(f.domains) == 0 && len(f.userIDs) == 0
}

// match checks every dimension and reports the first hit: the
// characteristic that matched and the configured entry.
func (f *listFilter) match(chars domain.Characteristics, info domain.IPInfo) (field, entry string, ok bool) {
	if len(f.prefixes) > 0 {
		if addr, err := netip.ParseAddr(chars[domain.CharacteristicIP]); err == nil {
			addr = addr.Unmap()
			for i, prefix := range f.prefixes {
				if prefix.Contains(addr) {
					return domain.CharacteristicIP, f.rawIPs[i], true
				}
			}
		}
	}

	if len(f.countries) > 0 && info.Country != "" {
		code := strings.ToUpper(info.Country)
		if _, hit := f.countries[code]; hit {
			return "ip.country", code, true
		}
	}

	if len(f.domains) > 0 {
		if dom := emailDomain(chars[domain.CharacteristicEmail]); dom != "" {
			if _, hit := f.domains[dom]; hit {
				return "email.domain", dom, true
			}
		}
	}

	if len(f.userIDs) > 0 {
		if id := chars[domain.CharacteristicUserID]; id != "" {
			if _, hit := f.userIDs[id]; hit {
				return domain.CharacteristicUserID, id, true
			}
		}
	}

	return "", "", false
}

// emailDomain extracts the lowercased domain part, "" when there is none.
func emailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}
