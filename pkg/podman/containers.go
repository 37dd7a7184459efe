package podman

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"al.essio.dev/pkg/shellescape"

	"github.com/codeb/reconciler/pkg/pghba"
)

// DefaultPGData is used when a container does not export PGDATA.
const DefaultPGData = "/var/lib/postgresql/data"

// ContainerStatus is the lifecycle state reported by probes.
type ContainerStatus string

const (
	StatusRunning  ContainerStatus = "running"
	StatusStopped  ContainerStatus = "stopped"
	StatusNotFound ContainerStatus = "not_found"
)

// ContainerAddress is the resolved network identity of a container. The
// address is empty unless the container is running and attached.
type ContainerAddress struct {
	ContainerName string          `json:"container_name" yaml:"container_name"`
	IPAddress     string          `json:"ip_address,omitempty" yaml:"ip_address,omitempty"`
	NetworkName   string          `json:"network_name,omitempty" yaml:"network_name,omitempty"`
	Status        ContainerStatus `json:"status" yaml:"status"`
}

// ContainerExists reports whether a container with this name exists.
func (c *Client) ContainerExists(ctx context.Context, name string) (bool, error) {
	return c.exists(ctx, "container", "exists", name)
}

// ContainerRunning reports whether the container is running. Missing
// containers are reported as not running.
func (c *Client) ContainerRunning(ctx context.Context, name string) (bool, error) {
	result, err := c.run(ctx, "container", "inspect", "--format", "{{.State.Running}}", name)
	if err != nil {
		return false, err
	}
	return result.Success() && result.Output() == "true", nil
}

// ContainerStatus combines the existence and running probes.
func (c *Client) ContainerStatus(ctx context.Context, name string) (ContainerStatus, error) {
	exists, err := c.ContainerExists(ctx, name)
	if err != nil {
		return "", err
	}
	if !exists {
		return StatusNotFound, nil
	}

	running, err := c.ContainerRunning(ctx, name)
	if err != nil {
		return "", err
	}
	if running {
		return StatusRunning, nil
	}
	return StatusStopped, nil
}

type networkSettings struct {
	IPAddress string `json:"IPAddress"`
	Networks  map[string]struct {
		IPAddress string `json:"IPAddress"`
	} `json:"Networks"`
}

// ContainerAddress resolves the container's IP address. Absent or stopped
// containers are reported through Status, not as errors.
func (c *Client) ContainerAddress(ctx context.Context, name string) (*ContainerAddress, error) {
	addr := &ContainerAddress{ContainerName: name}

	status, err := c.ContainerStatus(ctx, name)
	if err != nil {
		return nil, err
	}
	addr.Status = status
	if status != StatusRunning {
		return addr, nil
	}

	result, err := c.run(ctx, "container", "inspect", "--format", "{{json .NetworkSettings}}", name)
	if err != nil {
		return nil, err
	}
	if !result.Success() {
		// Removed between probes.
		addr.Status = StatusNotFound
		return addr, nil
	}

	var settings networkSettings
	if err := json.Unmarshal([]byte(result.Output()), &settings); err != nil {
		return nil, fmt.Errorf("failed to parse network settings of %s: %w", name, err)
	}

	names := make([]string, 0, len(settings.Networks))
	for network := range settings.Networks {
		names = append(names, network)
	}
	sort.Strings(names)

	for _, network := range names {
		if ip := settings.Networks[network].IPAddress; ip != "" {
			addr.IPAddress = ip
			addr.NetworkName = network
			return addr, nil
		}
	}

	addr.IPAddress = settings.IPAddress
	return addr, nil
}

// PGData returns the container's PGDATA, falling back to the image default.
func (c *Client) PGData(ctx context.Context, name string) (string, error) {
	result, err := c.run(ctx, "exec", name, "printenv", "PGDATA")
	if err != nil {
		return "", err
	}
	if out := result.Output(); result.Success() && out != "" {
		return out, nil
	}
	return DefaultPGData, nil
}

// ReadContainerFile returns a file from inside a container.
func (c *Client) ReadContainerFile(ctx context.Context, name string, path string) (string, error) {
	result, err := c.mustRun(ctx, 0, "exec", name, "cat", path)
	if err != nil {
		return "", err
	}
	return result.Stdout, nil
}

// ReadAuthRules reads and parses pg_hba.conf from the data directory.
func (c *Client) ReadAuthRules(ctx context.Context, name string, pgdata string) (*pghba.RuleSet, error) {
	content, err := c.ReadContainerFile(ctx, name, pgdata+"/pg_hba.conf")
	if err != nil {
		return nil, err
	}
	return pghba.Parse(content), nil
}

// WriteContainerFile replaces a file inside a container in one command. The
// content is streamed over stdin into a sibling file and renamed over the
// target, so the original stays intact if anything fails.
func (c *Client) WriteContainerFile(ctx context.Context, name string, user string, path string, content []byte) error {
	tmp := path + ".codeb-tmp"
	script := fmt.Sprintf("cat > %s && mv %s %s",
		shellescape.Quote(tmp), shellescape.Quote(tmp), shellescape.Quote(path))

	args := []string{"exec", "-i"}
	if user != "" {
		args = append(args, "-u", user)
	}
	args = append(args, name, "sh", "-c", script)

	cmd := command(args...)
	result, err := c.exec.ExecuteWithStdin(ctx, cmd, content, 0)
	if err != nil {
		return err
	}
	if !result.Success() {
		return &CommandError{Command: cmd, ExitCode: result.ExitCode, Stderr: result.ErrorOutput()}
	}
	return nil
}

// ReloadPostgres signals the server to re-read its configuration without
// dropping connections.
func (c *Client) ReloadPostgres(ctx context.Context, name string, pgdata string) error {
	_, err := c.mustRun(ctx, 0, "exec", "-u", "postgres", name, "pg_ctl", "reload", "-D", pgdata)
	return err
}

// IsNotRunning reports whether err came from exec against a stopped or
// removed container.
func IsNotRunning(err error) bool {
	ce, ok := err.(*CommandError)
	if !ok {
		return false
	}
	msg := strings.ToLower(ce.Stderr)
	return strings.Contains(msg, "no such container") || strings.Contains(msg, "not running")
}
