package persistence

import "testing"

func TestPlaceholders(t *testing.T) {
	tests := []struct {
		rows, width int
		want        string
	}{
		{1, 1, "($1)"},
		{1, 3, "($1, $2, $3)"},
		{2, 2, "($1, $2), ($3, $4)"},
	}
	for _, tt := range tests {
		if got := placeholders(tt.rows, tt.width); got != tt.want {
			t.Errorf("placeholders(%d, %d) = %q, want %q", tt.rows, tt.width, got, tt.want)
		}
	}
}
