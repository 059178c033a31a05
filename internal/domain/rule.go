package domain

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// TimestampLayout is the layout of every date kept in the store. All values are
// UTC with second precision so lexical order equals chronological order.
const TimestampLayout = "2006-01-02T15:04:05Z"

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(TimestampLayout)
}

// RuleRecord is one blocked /24 prefix.
type RuleRecord struct {
	Prefix     string `json:"prefix"`
	Country    string `json:"country"`
	EventType  string `json:"eventType"`
	LastSeen   string `json:"lastSeen"`
	RuleNumber int64  `json:"ruleNumber"`
}

// Key returns the store key of the rule.
func (r *RuleRecord) Key() string {
	return RuleKey(r.Prefix)
}

// Item converts the rule into its storage shape.
func (r *RuleRecord) Item() *Item {
	return &Item{
		PK:        r.Key(),
		Country:   r.Country,
		EventType: r.EventType,
		Date:      r.LastSeen,
		Rule:      r.RuleNumber,
	}
}

// RuleFromItem converts a stored item back into a rule.
func RuleFromItem(item *Item) (*RuleRecord, error) {
	prefix, ok := strings.CutPrefix(item.PK, RuleKeyPrefix)
	if !ok {
		return nil, fmt.Errorf("item %q is not a rule: %w", item.PK, ErrInvalidInput)
	}
	return &RuleRecord{
		Prefix:     prefix,
		Country:    item.Country,
		EventType:  item.EventType,
		LastSeen:   item.Date,
		RuleNumber: item.Rule,
	}, nil
}

// PrefixFor returns the /24 block containing an IPv4 address, e.g.
// "10.0.0.5" -> "10.0.0.0/24".
func PrefixFor(address string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(address))
	if err != nil {
		return "", fmt.Errorf("parsing address %q: %w", address, ErrInvalidInput)
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return "", fmt.Errorf("address %q is not IPv4: %w", address, ErrInvalidInput)
	}
	prefix, err := addr.Prefix(24)
	if err != nil {
		return "", err
	}
	return prefix.String(), nil
}
