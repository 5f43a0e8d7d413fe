package channel

import "testing"

func TestNormalizeNumber(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		cc   string
		want string
	}{
		{"local mobile", "11987654321", "55", "5511987654321"},
		{"formatted international", "+55 11 98765-4321", "55", "5511987654321"},
		{"local landline", "(11) 3456-7890", "55", "551134567890"},
		{"trunk prefix zero", "011987654321", "55", "5511987654321"},
		{"already international", "5511987654321", "55", "5511987654321"},
		{"jid suffix", "5511987654321@s.whatsapp.net", "55", "5511987654321"},
		{"other country code", "2025550123", "1", "12025550123"},
		{"empty country code uses default", "11987654321", "", "5511987654321"},
		{"short code untouched", "12345", "55", "12345"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeNumber(tt.raw, tt.cc); got != tt.want {
				t.Errorf("NormalizeNumber(%q, %q) = %q, want %q", tt.raw, tt.cc, got, tt.want)
			}
		})
	}
}
