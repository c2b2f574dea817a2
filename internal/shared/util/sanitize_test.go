package util

import "testing"

func TestSanitizeKeySegment(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "chunk-1.txt", want: "chunk-1.txt"},
		{in: " a/b\\c ", want: "a_b_c"},
		{in: "../etc", wantErr: true},
		{in: "   ", wantErr: true},
	}
	for _, tt := range tests {
		got, err := SanitizeKeySegment(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("SanitizeKeySegment(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("SanitizeKeySegment(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("SanitizeKeySegment(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
