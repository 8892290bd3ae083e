package session

import (
	"testing"

	"github.com/matheus3301/convsync/internal/config"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name string
		flag string
		cfg  *config.Config
		want string
	}{
		{"flag wins", "work", &config.Config{DefaultSession: "home"}, "work"},
		{"config default", "", &config.Config{DefaultSession: "home"}, "home"},
		{"empty config", "", &config.Config{}, DefaultSessionName},
		{"nil config", "", nil, DefaultSessionName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(tt.flag, tt.cfg); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.flag, got, tt.want)
			}
		})
	}
}
