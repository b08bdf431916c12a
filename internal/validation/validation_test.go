package validation

import (
	"testing"
)

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1111111111111111111111111111111111111111", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},
		{"0x0000000000000000000000000000000000000000", true},

		// Invalid cases
		{"1111111111111111111111111111111111111111", false},     // No 0x
		{"0x11111111111111111111111111111111111111", false},     // Too short
		{"0x111111111111111111111111111111111111111111", false}, // Too long
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},   // Invalid chars
		{"", false},
		{"0x", false},
	}

	for _, tc := range tests {
		if got := IsValidEthAddress(tc.addr); got != tc.valid {
			t.Errorf("IsValidEthAddress(%q) = %v, want %v", tc.addr, got, tc.valid)
		}
	}
}

func TestSanitizeAddress(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"0x1111111111111111111111111111111111111111", "0x1111111111111111111111111111111111111111"},
		{"0xABCDEF1234567890123456789012345678901234", "0xabcdef1234567890123456789012345678901234"},
		{"  0x1111111111111111111111111111111111111111  ", "0x1111111111111111111111111111111111111111"},
		{"1111111111111111111111111111111111111111", "0x1111111111111111111111111111111111111111"},
	}

	for _, tc := range tests {
		if got := SanitizeAddress(tc.input); got != tc.expected {
			t.Errorf("SanitizeAddress(%q) = %q, want %q", tc.input, got, tc.expected)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"summarize this", 20, "summarize this"},
		{"  summarize  ", 20, "summarize"},
		{"summarize this", 9, "summarize"},
		{"brief\x00payload", 20, "briefpayload"},
	}

	for _, tc := range tests {
		if got := SanitizeString(tc.input, tc.maxLen); got != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	errors := Validate(
		Required("gig_id", "gig_1"),
		ValidAddress("buyer_addr", "0x1111111111111111111111111111111111111111"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	errors = Validate(
		Required("gig_id", ""),
		ValidAddress("buyer_addr", "invalid"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"1.00", true},
		{"0.50", true},
		{"100", true},
		{"0.000001", true},

		// Invalid
		{".50", false},
		{"1.", false},
		{"abc", false},
		{"-1.00", false},
		{"1.2.3", false},
		{"0.00", false}, // amounts must be positive
		{"1.0000001", false}, // more precision than the currency carries
	}

	for _, tc := range tests {
		err := ValidAmount("amount", tc.value)()
		if valid := err == nil; valid != tc.valid {
			t.Errorf("ValidAmount(%q) valid=%v, want %v", tc.value, valid, tc.valid)
		}
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("brief", "short", 10)(); err != nil {
		t.Error("Expected no error for string under limit")
	}
	if err := MaxLength("brief", "exact", 5)(); err != nil {
		t.Error("Expected no error for string at limit")
	}
	if err := MaxLength("brief", "definitely too long", 5)(); err == nil {
		t.Error("Expected error for string over limit")
	}
}
