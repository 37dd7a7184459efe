package podman

import (
	"context"
	"strconv"
	"strings"
)

// DefaultNetwork is the network every Podman installation provides.
const DefaultNetwork = "podman"

var absentMarkers = []string{
	"network not found",
	"no such network",
	"unable to find network",
}

// CorruptSignatures are fragments of runtime error text that indicate a
// broken network definition or an incompatible network plugin.
var CorruptSignatures = []string{
	"cni",
	"plugin",
	"firewall",
	"netavark",
	"iptables",
	"incompatible",
}

// NetworkInspection is the outcome of inspecting one network.
type NetworkInspection struct {
	Name    string `json:"name"`
	Exists  bool   `json:"exists"`
	Corrupt bool   `json:"corrupt"`
	Error   string `json:"error,omitempty"`
	// Warning holds plugin complaints printed by an inspect that succeeded.
	// The network is usable, so it is reported but never repaired.
	Warning string `json:"warning,omitempty"`
}

// Healthy reports a network that exists and inspected cleanly.
func (n *NetworkInspection) Healthy() bool {
	return n.Exists && !n.Corrupt && n.Error == ""
}

// NetworkSummary is one row of "podman network ls".
type NetworkSummary struct {
	Name   string `json:"name"`
	Driver string `json:"driver"`
}

// MatchCorruptSignature returns the first corruption signature found in text.
func MatchCorruptSignature(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, sig := range CorruptSignatures {
		if strings.Contains(lower, sig) {
			return sig, true
		}
	}
	return "", false
}

func isAbsent(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range absentMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// InspectNetwork classifies a network as absent, healthy or corrupt.
func (c *Client) InspectNetwork(ctx context.Context, name string) (*NetworkInspection, error) {
	result, err := c.run(ctx, "network", "inspect", name)
	if err != nil {
		return nil, err
	}

	inspection := &NetworkInspection{Name: name}
	stderr := result.ErrorOutput()

	if result.Success() {
		inspection.Exists = true
		if _, bad := MatchCorruptSignature(stderr); bad {
			inspection.Warning = stderr
		}
		return inspection, nil
	}

	if isAbsent(stderr) {
		return inspection, nil
	}

	// Failed for another reason. Only known signatures count as corrupt.
	inspection.Exists = true
	_, inspection.Corrupt = MatchCorruptSignature(stderr)
	inspection.Error = stderr
	if inspection.Error == "" {
		inspection.Error = "inspect exited with status " + strconv.Itoa(result.ExitCode)
	}
	return inspection, nil
}

// ListNetworks enumerates networks with their drivers.
func (c *Client) ListNetworks(ctx context.Context) ([]NetworkSummary, error) {
	result, err := c.mustRun(ctx, 0, "network", "ls", "--format", "{{.Name}}|{{.Driver}}")
	if err != nil {
		return nil, err
	}

	var networks []NetworkSummary
	for _, line := range lines(result.Stdout) {
		name, driver, _ := strings.Cut(line, "|")
		networks = append(networks, NetworkSummary{Name: name, Driver: driver})
	}
	return networks, nil
}

// NetworkContainers lists containers attached to the network.
func (c *Client) NetworkContainers(ctx context.Context, name string) ([]string, error) {
	result, err := c.mustRun(ctx, 0, "ps", "-a", "--filter", "network="+name, "--format", "{{.Names}}")
	if err != nil {
		return nil, err
	}
	return lines(result.Stdout), nil
}

// CreateNetwork creates a bridge network.
func (c *Client) CreateNetwork(ctx context.Context, name string) error {
	_, err := c.mustRun(ctx, 0, "network", "create", name)
	return err
}

// RemoveNetwork removes a network. Podman refuses while containers are
// still attached, and they are never removed along with it.
func (c *Client) RemoveNetwork(ctx context.Context, name string) error {
	_, err := c.mustRun(ctx, 0, "network", "rm", name)
	return err
}
