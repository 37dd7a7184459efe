package ssh

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestSSHClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	client, _ := newTestClient(t, server)

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}

	info := client.GetConnectionInfo()
	if info.User != "testuser" {
		t.Errorf("expected user 'testuser', got '%s'", info.User)
	}
	if info.AuthMethod != "password" {
		t.Errorf("expected password auth, got '%s'", info.AuthMethod)
	}
	if info.Reconnects != 0 {
		t.Errorf("expected no reconnects, got %d", info.Reconnects)
	}
}

func TestSSHClientConnectReplacesSession(t *testing.T) {
	server := newTestSSHServer(t)
	client, _ := newTestClient(t, server)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := client.Connect(ctx); err != nil {
			t.Fatalf("connect %d failed: %v", i, err)
		}
	}

	if got := server.connections.Load(); got != 3 {
		t.Errorf("expected 3 handshakes, got %d", got)
	}
	if err := client.HealthCheck(ctx); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestSSHClientKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)
	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.PrivateKeyPath = writeTestKey(t)

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Disconnect()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect with key auth: %v", err)
	}

	if info := client.GetConnectionInfo(); info.AuthMethod != "key" {
		t.Errorf("expected key auth, got '%s'", info.AuthMethod)
	}
}

func TestSSHClientRejectedPassword(t *testing.T) {
	server := newTestSSHServer(t)
	client, _ := newTestClient(t, server)
	client.config.Password = "wrong"

	err := client.Connect(context.Background())
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestSSHClientConnectRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	host, port := parseAddress(listener.Addr().String())
	listener.Close()

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.PrivateKeyPath = ""
	config.Password = "testpass"
	config.ConnectionTimeout = 2 * time.Second

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	err = client.Connect(context.Background())
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("expected connect error, got %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
}

func TestSSHClientDisconnect(t *testing.T) {
	server := newTestSSHServer(t)
	client, _ := newTestClient(t, server)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	if err := client.Disconnect(); err != nil {
		t.Errorf("disconnect failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}

	// A second disconnect is harmless.
	if err := client.Disconnect(); err != nil {
		t.Errorf("second disconnect failed: %v", err)
	}
}

func TestSSHClientTestConnection(t *testing.T) {
	server := newTestSSHServer(t)
	client, _ := newTestClient(t, server)

	// No explicit Connect: the first command opens the session.
	if err := client.TestConnection(context.Background()); err != nil {
		t.Fatalf("test connection failed: %v", err)
	}
	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
}
