package util

import (
	"strings"
	"testing"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		hexLength  int
		wantPrefix string
		wantLength int // expected total length: prefix + hexLength
	}{
		{
			name:       "message ID format",
			prefix:     "m_",
			hexLength:  32,
			wantPrefix: "m_",
			wantLength: 34, // 2 + 32
		},
		{
			name:       "session ID format",
			prefix:     "s_",
			hexLength:  32,
			wantPrefix: "s_",
			wantLength: 34, // 2 + 32
		},
		{
			name:       "flow token format",
			prefix:     "ft_",
			hexLength:  32,
			wantPrefix: "ft_",
			wantLength: 35, // 3 + 32
		},
		{
			name:       "zero length",
			prefix:     "x_",
			hexLength:  0,
			wantPrefix: "x_",
			wantLength: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateRandomID(tt.prefix, tt.hexLength)
			if !strings.HasPrefix(got, tt.wantPrefix) {
				t.Errorf("GenerateRandomID() = %q, want prefix %q", got, tt.wantPrefix)
			}
			if len(got) != tt.wantLength {
				t.Errorf("GenerateRandomID() length = %d, want %d", len(got), tt.wantLength)
			}
		})
	}
}

func TestGenerateRandomHexCharset(t *testing.T) {
	const valid = "0123456789abcdef"
	got := GenerateRandomHex(64)
	if len(got) != 64 {
		t.Fatalf("GenerateRandomHex(64) length = %d", len(got))
	}
	for _, c := range got {
		if !strings.ContainsRune(valid, c) {
			t.Errorf("GenerateRandomHex produced invalid character %q", c)
		}
	}
}

func TestGenerateMessageIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateMessageID()
		if seen[id] {
			t.Fatalf("duplicate message ID generated: %s", id)
		}
		seen[id] = true
	}
}
