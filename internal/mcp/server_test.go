package mcp

import (
	"testing"

	"github.com/kalendaryo/kalendaryo/internal/store"
)

func TestNewServer_Builds(t *testing.T) {
	s, err := store.Open(store.Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer s.Close()

	srv := NewServer(ServerConfig{Store: s})
	if srv == nil {
		t.Fatal("NewServer returned nil")
	}
}
