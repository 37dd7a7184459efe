package podman

import (
	"context"
	"fmt"
)

// Volume kinds managed by the deployer.
const (
	KindPostgres = "postgres"
	KindRedis    = "redis"
	KindAppData  = "app-data"
)

// VolumeName derives the volume for a project resource. The same inputs
// always address the same volume.
func VolumeName(project, kind, environment string) string {
	return fmt.Sprintf("codeb-%s-%s-%s", kind, project, environment)
}

// VolumeExists reports whether the named volume exists.
func (c *Client) VolumeExists(ctx context.Context, name string) (bool, error) {
	return c.exists(ctx, "volume", "exists", name)
}

// VolumeUsers lists containers, running or not, that mount the volume.
func (c *Client) VolumeUsers(ctx context.Context, name string) ([]string, error) {
	result, err := c.mustRun(ctx, 0, "ps", "-a", "--filter", "volume="+name, "--format", "{{.Names}}")
	if err != nil {
		return nil, err
	}
	return lines(result.Stdout), nil
}

// CreateVolume creates a volume.
func (c *Client) CreateVolume(ctx context.Context, name string) error {
	_, err := c.mustRun(ctx, 0, "volume", "create", name)
	return err
}

// RemoveVolume removes a volume. It fails if the volume is in use.
func (c *Client) RemoveVolume(ctx context.Context, name string) error {
	_, err := c.mustRun(ctx, 0, "volume", "rm", name)
	return err
}

// ExportVolume writes the volume contents as a tar archive on the host.
func (c *Client) ExportVolume(ctx context.Context, name string, path string) error {
	_, err := c.mustRun(ctx, c.longTimeout, "volume", "export", "--output", path, name)
	return err
}

// ImportVolume loads a tar archive from the host into the volume.
func (c *Client) ImportVolume(ctx context.Context, name string, path string) error {
	_, err := c.mustRun(ctx, c.longTimeout, "volume", "import", name, path)
	return err
}
