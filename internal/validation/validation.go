// Package validation checks threat events, prefixes and mirror artifact names
// before they reach the blocklist store.
package validation

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/bcnelson/waf-blocklist-manager/internal/domain"
)

// isAlpha returns true if the byte is an ASCII letter.
func isAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// isNum returns true if the byte is an ASCII digit.
func isNum(b byte) bool {
	return b >= '0' && b <= '9'
}

// validatePrefixedEntity validates entities that follow the pattern prefix:identifier
// where identifier must start with a letter and contain only letters, numbers, or hyphens.
func validatePrefixedEntity(value, prefix, entityType string) error {
	identifier, ok := strings.CutPrefix(value, prefix)
	if !ok {
		return fmt.Errorf("%s must start with '%s'", entityType, prefix)
	}
	if identifier == "" {
		return fmt.Errorf("%s name must not be empty after '%s'", entityType, prefix)
	}
	if !isAlpha(identifier[0]) {
		return fmt.Errorf("%s name must start with a letter after '%s'", entityType, prefix)
	}
	for _, b := range []byte(identifier) {
		if !isAlpha(b) && !isNum(b) && b != '-' {
			return fmt.Errorf("%s names can only contain letters, numbers, or hyphens", entityType)
		}
	}
	return nil
}

// ValidateIPSetName validates a Tailscale IP set name.
// IP sets must be in the format: ipset:<identifier>
// where identifier starts with a letter and contains only letters, numbers, or hyphens.
func ValidateIPSetName(name string) error {
	return validatePrefixedEntity(name, "ipset:", "IP set")
}

// ValidateMirrorName validates a WAF IP set name: 1-128 letters, numbers,
// hyphens or underscores.
func ValidateMirrorName(name string) error {
	if name == "" {
		return fmt.Errorf("mirror name must not be empty")
	}
	if len(name) > 128 {
		return fmt.Errorf("mirror name must be at most 128 characters")
	}
	for _, b := range []byte(name) {
		if !isAlpha(b) && !isNum(b) && b != '-' && b != '_' {
			return fmt.Errorf("mirror names can only contain letters, numbers, hyphens, or underscores")
		}
	}
	return nil
}

// ValidateIPv4Address validates a single IPv4 address (IPv4-mapped IPv6 is accepted).
func ValidateIPv4Address(addr string) error {
	if addr == "" {
		return fmt.Errorf("address must not be empty")
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return fmt.Errorf("must be a valid IP address")
	}
	if !ip.Unmap().Is4() {
		return fmt.Errorf("must be an IPv4 address")
	}
	return nil
}

// ValidatePrefix validates a blocked prefix: canonical IPv4 CIDR with length 24.
func ValidatePrefix(prefix string) error {
	p, err := netip.ParsePrefix(prefix)
	if err != nil {
		return fmt.Errorf("must be a valid CIDR")
	}
	if !p.Addr().Is4() || p.Bits() != 24 {
		return fmt.Errorf("must be an IPv4 /24 prefix")
	}
	if p.Masked() != p {
		return fmt.Errorf("must be canonical (host bits zero)")
	}
	return nil
}

// ValidateEventType validates an event classification such as PORT_PROBE:
// letters, numbers, underscores, hyphens or colons.
func ValidateEventType(eventType string) error {
	if eventType == "" {
		return fmt.Errorf("event type must not be empty")
	}
	for _, b := range []byte(eventType) {
		if !isAlpha(b) && !isNum(b) && b != '_' && b != '-' && b != ':' {
			return fmt.Errorf("event type can only contain letters, numbers, '_', '-' or ':'")
		}
	}
	return nil
}

// ValidateEvent checks every required field of an event and returns all problems.
func ValidateEvent(ev domain.Event) ValidationErrors {
	var errs ValidationErrors
	if err := ValidateIPv4Address(ev.Address); err != nil {
		errs.Add("address", ev.Address, err.Error())
	}
	if strings.TrimSpace(ev.Country) == "" {
		errs.Add("country", ev.Country, "country must not be empty")
	}
	if err := ValidateEventType(ev.EventType); err != nil {
		errs.Add("eventType", ev.EventType, err.Error())
	}
	if ev.Timestamp.IsZero() {
		errs.Add("timestamp", "", "timestamp is required")
	}
	return errs
}

// ValidateRetentionDays validates a sweep retention window.
func ValidateRetentionDays(days int) error {
	if days < 1 {
		return fmt.Errorf("retention must be at least one day")
	}
	return nil
}

// ValidateKeyName validates the label of an API key: 1-64 printable
// characters.
func ValidateKeyName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > 64 {
		return fmt.Errorf("name must be at most 64 characters")
	}
	for _, b := range []byte(name) {
		if b < 0x20 || b == 0x7f {
			return fmt.Errorf("name must not contain control characters")
		}
	}
	return nil
}
