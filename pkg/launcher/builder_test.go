package launcher

import (
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestNewBuilder(t *testing.T) {
	builder := NewBuilder()

	config := builder.GetConfig()
	if config == nil {
		t.Fatal("Builder should have default config")
	}

	if config.ListenHost != "127.0.0.1" {
		t.Errorf("Default listen host should be 127.0.0.1, got %s", config.ListenHost)
	}

	if config.HandshakeTimeout != 10*time.Second {
		t.Errorf("Default handshake timeout should be 10s, got %v", config.HandshakeTimeout)
	}

	if config.GracePeriod != 5*time.Second {
		t.Errorf("Default grace period should be 5s, got %v", config.GracePeriod)
	}
}

func TestBuilderChaining(t *testing.T) {
	config := NewBuilder().
		WithListenHost("::1").
		WithOwner("interpd-test").
		WithHandshakeTimeout(3 * time.Second).
		WithGracePeriod(500 * time.Millisecond).
		WithConfirmTimeout(2 * time.Second).
		WithSpawnRate(20, 4).
		GetConfig()

	if config.ListenHost != "::1" {
		t.Errorf("Expected ::1, got %s", config.ListenHost)
	}

	if config.Owner != "interpd-test" {
		t.Errorf("Expected owner interpd-test, got %s", config.Owner)
	}

	if config.HandshakeTimeout != 3*time.Second {
		t.Errorf("Expected 3s handshake timeout, got %v", config.HandshakeTimeout)
	}

	if config.GracePeriod != 500*time.Millisecond {
		t.Errorf("Expected 500ms grace period, got %v", config.GracePeriod)
	}

	if config.SpawnRate != rate.Limit(20) || config.SpawnBurst != 4 {
		t.Errorf("Expected spawn rate 20/4, got %v/%d", config.SpawnRate, config.SpawnBurst)
	}
}

func TestBuilderValidation(t *testing.T) {
	tests := []struct {
		name    string
		builder *Builder
		errText string
	}{
		{"hostname instead of IP", NewBuilder().WithListenHost("localhost"), "listen host"},
		{"empty owner", NewBuilder().WithOwner(""), "owner"},
		{"zero handshake timeout", NewBuilder().WithHandshakeTimeout(0), "handshake timeout"},
		{"negative grace period", NewBuilder().WithGracePeriod(-time.Second), "grace period"},
		{"zero burst", NewBuilder().WithSpawnRate(1, 0), "spawn rate"},
		{"nil config", NewBuilder().WithConfig(nil), "config cannot be nil"},
		{"nil dial", NewBuilder().WithDialFunc(nil), "dial func"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build()
			if err == nil {
				t.Fatal("Expected build error")
			}
			if !strings.Contains(err.Error(), tt.errText) {
				t.Errorf("Error should mention %q: %v", tt.errText, err)
			}
		})
	}
}

func TestBuilderFirstErrorWins(t *testing.T) {
	_, err := NewBuilder().
		WithHandshakeTimeout(-1).
		WithGracePeriod(-1).
		Build()

	if err == nil || !strings.Contains(err.Error(), "handshake timeout") {
		t.Errorf("Expected the first error to be reported, got %v", err)
	}
}

func TestBuilderPresets(t *testing.T) {
	dev := NewBuilder().WithDevelopmentDefaults().GetConfig()
	if dev.GracePeriod != time.Second {
		t.Errorf("Development grace period should be 1s, got %v", dev.GracePeriod)
	}

	prod := NewBuilder().WithProductionDefaults().GetConfig()
	if prod.HandshakeTimeout != 30*time.Second {
		t.Errorf("Production handshake timeout should be 30s, got %v", prod.HandshakeTimeout)
	}
}

func TestBuilderBuild(t *testing.T) {
	l, err := NewBuilder().WithOwner("build-test").Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if l.Owner() != "build-test" {
		t.Errorf("Expected owner build-test, got %s", l.Owner())
	}

	if len(l.Tracked()) != 0 {
		t.Error("New launcher should track no processes")
	}
}

func TestMustBuildPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustBuild should panic on invalid configuration")
		}
	}()
	NewBuilder().WithConfirmTimeout(0).MustBuild()
}
