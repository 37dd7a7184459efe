package podman

import (
	"context"
	"errors"
	"testing"

	"github.com/codeb/reconciler/pkg/podman/podmantest"
)

func newTestClient(t *testing.T) (*Client, *podmantest.Host) {
	t.Helper()
	host := podmantest.NewHost()
	if err := host.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	return New(host), host
}

func TestVolumeName(t *testing.T) {
	if got := VolumeName("shop", KindPostgres, "staging"); got != "codeb-postgres-shop-staging" {
		t.Errorf("expected 'codeb-postgres-shop-staging', got '%s'", got)
	}
	if VolumeName("shop", KindRedis, "production") != VolumeName("shop", KindRedis, "production") {
		t.Error("expected deterministic volume names")
	}
}

func TestContainerAddress(t *testing.T) {
	client, host := newTestClient(t)
	ctx := context.Background()

	host.AddContainer(&podmantest.Container{Name: "pg1", Running: true, IP: "10.88.0.12", Network: "codeb-network"})
	host.AddContainer(&podmantest.Container{Name: "idle", Running: false})

	tests := []struct {
		name    string
		status  ContainerStatus
		ip      string
		network string
	}{
		{"pg1", StatusRunning, "10.88.0.12", "codeb-network"},
		{"idle", StatusStopped, "", ""},
		{"ghost", StatusNotFound, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := client.ContainerAddress(ctx, tt.name)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if addr.Status != tt.status {
				t.Errorf("expected status %s, got %s", tt.status, addr.Status)
			}
			if addr.IPAddress != tt.ip {
				t.Errorf("expected ip '%s', got '%s'", tt.ip, addr.IPAddress)
			}
			if addr.NetworkName != tt.network {
				t.Errorf("expected network '%s', got '%s'", tt.network, addr.NetworkName)
			}
		})
	}
}

func TestPGData(t *testing.T) {
	client, host := newTestClient(t)
	ctx := context.Background()

	host.AddContainer(&podmantest.Container{Name: "custom", Running: true, Env: map[string]string{"PGDATA": "/data/pg"}})
	host.AddContainer(&podmantest.Container{Name: "stock", Running: true})

	if got, _ := client.PGData(ctx, "custom"); got != "/data/pg" {
		t.Errorf("expected '/data/pg', got '%s'", got)
	}
	if got, _ := client.PGData(ctx, "stock"); got != DefaultPGData {
		t.Errorf("expected default PGDATA, got '%s'", got)
	}
}

func TestContainerFileRoundTrip(t *testing.T) {
	client, host := newTestClient(t)
	ctx := context.Background()

	host.AddContainer(&podmantest.Container{Name: "pg1", Running: true})

	content := "host all all 10.88.0.0/16 trust\nhost all all all 'quoted' $HOME\n"
	if err := client.WriteContainerFile(ctx, "pg1", "postgres", "/var/lib/postgresql/data/pg_hba.conf", []byte(content)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	got, err := client.ReadContainerFile(ctx, "pg1", "/var/lib/postgresql/data/pg_hba.conf")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got != content {
		t.Errorf("expected %q, got %q", content, got)
	}

	_, err = client.ReadContainerFile(ctx, "pg1", "/missing")
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected command error, got %v", err)
	}
	if cmdErr.ExitCode != 1 {
		t.Errorf("expected exit code 1, got %d", cmdErr.ExitCode)
	}
}

func TestVolumeProbes(t *testing.T) {
	client, host := newTestClient(t)
	ctx := context.Background()

	if exists, _ := client.VolumeExists(ctx, "data"); exists {
		t.Fatal("expected volume to be absent")
	}
	if err := client.CreateVolume(ctx, "data"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if exists, _ := client.VolumeExists(ctx, "data"); !exists {
		t.Fatal("expected volume to exist")
	}

	host.AddContainer(&podmantest.Container{Name: "web", Volumes: []string{"data"}})
	users, err := client.VolumeUsers(ctx, "data")
	if err != nil {
		t.Fatalf("users failed: %v", err)
	}
	if len(users) != 1 || users[0] != "web" {
		t.Errorf("expected [web], got %v", users)
	}

	if err := client.RemoveVolume(ctx, "data"); err == nil {
		t.Error("expected removal of an in-use volume to fail")
	}
}

func TestInspectNetwork(t *testing.T) {
	client, host := newTestClient(t)
	ctx := context.Background()

	host.AddNetwork(&podmantest.Network{Name: "broken", InspectError: "Error: plugin type=\"bridge\" failed (add): netavark: iptables: No chain"})
	host.AddNetwork(&podmantest.Network{Name: "odd", InspectError: "Error: permission denied"})
	host.AddNetwork(&podmantest.Network{Name: "warned", InspectWarning: "WARN[0000] CNI config for plugin firewall uses an old version"})

	tests := []struct {
		name    string
		exists  bool
		corrupt bool
		healthy bool
		warned  bool
	}{
		{"podman", true, false, true, false},
		{"missing", false, false, false, false},
		{"broken", true, true, false, false},
		{"odd", true, false, false, false},
		{"warned", true, false, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inspection, err := client.InspectNetwork(ctx, tt.name)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if inspection.Exists != tt.exists {
				t.Errorf("expected exists %v, got %v", tt.exists, inspection.Exists)
			}
			if inspection.Corrupt != tt.corrupt {
				t.Errorf("expected corrupt %v, got %v", tt.corrupt, inspection.Corrupt)
			}
			if inspection.Healthy() != tt.healthy {
				t.Errorf("expected healthy %v, got %v", tt.healthy, inspection.Healthy())
			}
			if (inspection.Warning != "") != tt.warned {
				t.Errorf("expected warned %v, got %q", tt.warned, inspection.Warning)
			}
		})
	}
}

func TestRemoveNetworkKeepsAttachedContainers(t *testing.T) {
	client, host := newTestClient(t)
	ctx := context.Background()

	host.AddNetwork(&podmantest.Network{Name: "codeb-network", Driver: "bridge"})
	host.AddContainer(&podmantest.Container{Name: "api", Running: true, Network: "codeb-network"})

	if err := client.RemoveNetwork(ctx, "codeb-network"); err == nil {
		t.Fatal("expected removal of an attached network to fail")
	}
	if host.Ran("network rm -f") != 0 || host.Ran("network rm --force") != 0 {
		t.Error("expected removal without force")
	}
	if _, ok := host.Networks["codeb-network"]; !ok {
		t.Error("expected network kept")
	}
	if _, ok := host.Containers["api"]; !ok {
		t.Error("expected attached container kept")
	}

	host.AddNetwork(&podmantest.Network{Name: "idle", Driver: "bridge"})
	if err := client.RemoveNetwork(ctx, "idle"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := host.Networks["idle"]; ok {
		t.Error("expected idle network removed")
	}
}

func TestListNetworks(t *testing.T) {
	client, host := newTestClient(t)
	ctx := context.Background()

	host.AddNetwork(&podmantest.Network{Name: "codeb-network", Driver: "bridge"})
	host.AddContainer(&podmantest.Container{Name: "api", Network: "codeb-network"})

	networks, err := client.ListNetworks(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(networks) != 2 {
		t.Fatalf("expected 2 networks, got %v", networks)
	}
	if networks[0].Name != "codeb-network" || networks[0].Driver != "bridge" {
		t.Errorf("unexpected first network: %+v", networks[0])
	}

	containers, err := client.NetworkContainers(ctx, "codeb-network")
	if err != nil {
		t.Fatalf("containers failed: %v", err)
	}
	if len(containers) != 1 || containers[0] != "api" {
		t.Errorf("expected [api], got %v", containers)
	}
}

func TestCommandQuoting(t *testing.T) {
	cmd := command("volume", "create", "name with space", "it's")
	words, err := podmantest.Split(cmd)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}

	want := []string{"podman", "volume", "create", "name with space", "it's"}
	if len(words) != len(want) {
		t.Fatalf("expected %v, got %v", want, words)
	}
	for i := range want {
		if words[i] != want[i] {
			t.Errorf("word %d: expected %q, got %q", i, want[i], words[i])
		}
	}
}
