package validation

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bcnelson/waf-blocklist-manager/internal/domain"
)

func TestValidateIPSetName(t *testing.T) {
	tests := []struct {
		name    string
		ipset   string
		wantErr bool
	}{
		{"valid simple ipset", "ipset:blocklist", false},
		{"valid ipset with hyphen", "ipset:waf-blocklist-prod", false},
		{"missing prefix", "blocklist", true},
		{"empty after prefix", "ipset:", true},
		{"starts with number", "ipset:1blocklist", true},
		{"contains underscore", "ipset:waf_blocklist", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIPSetName(tt.ipset)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIPSetName(%q) error = %v, wantErr %v", tt.ipset, err, tt.wantErr)
			}
		})
	}
}

func TestValidateMirrorName(t *testing.T) {
	tests := []struct {
		name    string
		mirror  string
		wantErr bool
	}{
		{"valid", "waf-blocklist-global-prod", false},
		{"underscore", "waf_blocklist", false},
		{"empty", "", true},
		{"space", "waf blocklist", true},
		{"pipe", "waf|blocklist", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMirrorName(tt.mirror)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMirrorName(%q) error = %v, wantErr %v", tt.mirror, err, tt.wantErr)
			}
		})
	}
}

func TestValidateIPv4Address(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{"valid", "10.0.0.5", false},
		{"mapped", "::ffff:10.0.0.5", false},
		{"ipv6", "2001:db8::1", true},
		{"cidr", "10.0.0.0/24", true},
		{"garbage", "not-an-ip", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIPv4Address(tt.addr)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIPv4Address(%q) error = %v, wantErr %v", tt.addr, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePrefix(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		wantErr bool
	}{
		{"valid", "10.0.0.0/24", false},
		{"host bits set", "10.0.0.5/24", true},
		{"wrong length", "10.0.0.0/16", true},
		{"ipv6", "2001:db8::/24", true},
		{"no length", "10.0.0.0", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePrefix(tt.prefix)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePrefix(%q) error = %v, wantErr %v", tt.prefix, err, tt.wantErr)
			}
		})
	}
}

func TestValidateEventType(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		wantErr   bool
	}{
		{"port probe", "PORT_PROBE", false},
		{"network connection", "NETWORK_CONNECTION", false},
		{"finding type", "Recon:EC2-PortProbeUnprotectedPort", false},
		{"empty", "", true},
		{"space", "PORT PROBE", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEventType(tt.eventType)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEventType(%q) error = %v, wantErr %v", tt.eventType, err, tt.wantErr)
			}
		})
	}
}

func TestValidateEvent(t *testing.T) {
	valid := domain.Event{
		Address:   "10.0.0.5",
		Country:   "Netherlands",
		EventType: "PORT_PROBE",
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if errs := ValidateEvent(valid); errs.HasErrors() {
		t.Fatalf("expected valid event, got %v", errs)
	}

	errs := ValidateEvent(domain.Event{})
	if len(errs) != 4 {
		t.Fatalf("expected 4 errors for empty event, got %d: %v", len(errs), errs)
	}
	if !errors.Is(errs.Err(), domain.ErrInvalidInput) {
		t.Errorf("expected validation errors to match ErrInvalidInput")
	}
}

func TestValidationErrorsErr(t *testing.T) {
	var errs ValidationErrors
	if errs.Err() != nil {
		t.Errorf("expected nil error for empty collection")
	}
	errs.Add("address", "x", "bad")
	errs.Add("country", "", "missing")
	if got := errs.Error(); got != "address: bad (and 1 more errors)" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestValidateRetentionDays(t *testing.T) {
	if err := ValidateRetentionDays(0); err == nil {
		t.Error("expected error for zero days")
	}
	if err := ValidateRetentionDays(30); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateKeyName(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid", "guardduty forwarder (prod)", false},
		{"empty", "", true},
		{"too long", strings.Repeat("k", 65), true},
		{"newline", "forwarder\nadmin", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKeyName(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateKeyName(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
		})
	}
}
