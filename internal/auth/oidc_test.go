package auth

import "testing"

func TestValidateClaims(t *testing.T) {
	v := &OIDCVerifier{allowedDomains: []string{"Example.com"}}

	tests := []struct {
		name    string
		email   string
		wantErr bool
	}{
		{"allowed domain", "ops@example.com", false},
		{"case insensitive", "ops@EXAMPLE.COM", false},
		{"other domain", "ops@evil.test", true},
		{"missing email", "", true},
		{"malformed email", "ops", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateClaims(&OIDCClaims{Email: tt.email})
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateClaims(%q) error = %v, wantErr %v", tt.email, err, tt.wantErr)
			}
		})
	}
}

func TestValidateClaimsWithoutRestriction(t *testing.T) {
	v := &OIDCVerifier{}
	if err := v.ValidateClaims(&OIDCClaims{Email: "anyone@anywhere.test"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
