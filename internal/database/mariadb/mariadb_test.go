package mariadb

import "testing"

func TestNewPoolRejectsBadDSN(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
	}{
		{"empty", ""},
		{"no database separator", "photoprism:secret@tcp(localhost:3306)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPool(tt.dsn); err == nil {
				t.Errorf("NewPool(%q) succeeded, want error", tt.dsn)
			}
		})
	}
}
