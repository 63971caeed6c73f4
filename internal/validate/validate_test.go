package validate

import (
	"strings"
	"testing"
)

func TestHostname_Valid(t *testing.T) {
	for _, host := range []string{
		"openpectus.com",
		"agg.internal.example.org",
		"localhost",
		"host-1",
		"127.0.0.1",
		"::1",
		"2001:db8::1",
	} {
		if err := Hostname(host); err != nil {
			t.Errorf("Hostname(%q) = %v, want nil", host, err)
		}
	}
}

func TestHostname_Invalid(t *testing.T) {
	tests := []struct {
		host   string
		errMsg string
	}{
		{"", "must not be empty"},
		{"-leading.example.com", "not a valid hostname"},
		{"trailing-.example.com", "not a valid hostname"},
		{"spaces not allowed", "not a valid hostname"},
		{"under_score.example.com", "not a valid hostname"},
		{strings.Repeat("a", 64) + ".example.com", "not a valid hostname"},
		{strings.Repeat("a.", 130) + "com", "exceeds"},
	}
	for _, tc := range tests {
		err := Hostname(tc.host)
		if err == nil {
			t.Fatalf("Hostname(%q): expected error, got nil", tc.host)
		}
		if !strings.Contains(err.Error(), tc.errMsg) {
			t.Errorf("Hostname(%q) error = %q, want it to contain %q", tc.host, err.Error(), tc.errMsg)
		}
	}
}

func TestPort_Valid(t *testing.T) {
	for _, port := range []int{1, 443, 9800, 65535} {
		if err := Port(port); err != nil {
			t.Errorf("Port(%d) = %v, want nil", port, err)
		}
	}
}

func TestPort_Invalid(t *testing.T) {
	for _, port := range []int{0, -1, 65536, 100000} {
		if err := Port(port); err == nil {
			t.Errorf("Port(%d): expected error, got nil", port)
		}
	}
}
