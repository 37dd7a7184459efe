package reconcile

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/codeb/reconciler/pkg/pghba"
	"github.com/codeb/reconciler/pkg/podman"
	"github.com/codeb/reconciler/pkg/telemetry"
)

// AuthRulesRequest asks for a PostgreSQL container to admit trusted
// networks ahead of its catch-all rules.
type AuthRulesRequest struct {
	ContainerName   string   `json:"container_name" yaml:"container_name" validate:"required"`
	TrustedNetworks []string `json:"trusted_networks,omitempty" yaml:"trusted_networks,omitempty" validate:"dive,cidr|ip"`
	AuthMethod      string   `json:"auth_method,omitempty" yaml:"auth_method,omitempty" validate:"omitempty,oneof=trust md5 scram-sha-256 password"`
}

// AuthRulesResult reports what ConfigureAuthRules observed and did.
type AuthRulesResult struct {
	Success       bool   `json:"success" yaml:"success"`
	Changed       bool   `json:"changed" yaml:"changed"`
	Message       string `json:"message" yaml:"message"`
	ContainerName string `json:"container_name" yaml:"container_name"`
	PGData        string `json:"pgdata,omitempty" yaml:"pgdata,omitempty"`
	// CurrentConfig is the pg_hba.conf content as last read from the
	// container.
	CurrentConfig string `json:"current_config,omitempty" yaml:"current_config,omitempty"`
}

func (r *AuthRulesResult) outcome() (string, string) {
	if r == nil {
		return "", ""
	}
	if r.Changed {
		return "updated", r.Message
	}
	if r.Success {
		return "unchanged", r.Message
	}
	return "", r.Message
}

// ConfigureAuthRules makes every trusted network reach the container's
// database with the requested method before any catch-all rule applies.
// Unrelated lines are kept byte for byte. The rewritten file replaces the
// original in a single command and the server is reloaded, not restarted.
func (r *Reconciler) ConfigureAuthRules(ctx context.Context, req AuthRulesRequest) (res *AuthRulesResult, err error) {
	if len(req.TrustedNetworks) == 0 {
		req.TrustedNetworks = r.trustedNetworks
	}
	if req.AuthMethod == "" {
		req.AuthMethod = r.authMethod
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	networks := make([]netip.Prefix, 0, len(req.TrustedNetworks))
	for _, cidr := range req.TrustedNetworks {
		p, err := pghba.ParseNetwork(cidr)
		if err != nil {
			return nil, invalid(fmt.Sprintf("trusted network %q", cidr), err)
		}
		networks = append(networks, p)
	}

	s, err := r.begin(ctx, OpConfigureAuthRules, req.ContainerName, telemetry.AttrContainer.String(req.ContainerName))
	if err != nil {
		return nil, err
	}
	defer func() { s.end(res, err) }()

	res = &AuthRulesResult{ContainerName: req.ContainerName}
	name := req.ContainerName

	status, err := s.podman.ContainerStatus(s.ctx(), name)
	if err != nil {
		return res, err
	}
	if status != podman.StatusRunning {
		res.Message = fmt.Sprintf("Container %s is not running (%s); nothing changed", name, status)
		return res, unavailable(name, "container is "+string(status), nil)
	}

	pgdata, err := s.podman.PGData(s.ctx(), name)
	if err != nil {
		return res, err
	}
	res.PGData = pgdata
	hbaPath := pgdata + "/pg_hba.conf"

	rules, err := s.podman.ReadAuthRules(s.ctx(), name, pgdata)
	if err != nil {
		res.Message = fmt.Sprintf("Cannot read %s in %s", hbaPath, name)
		return res, probeFailure(name, "cannot read "+hbaPath, err)
	}

	if !rules.EnsureNetworks(networks, req.AuthMethod) {
		res.Success = true
		res.CurrentConfig = rules.String()
		res.Message = fmt.Sprintf("pg_hba.conf already correct: %s granted %s before any catch-all rule",
			strings.Join(req.TrustedNetworks, ", "), req.AuthMethod)
		return res, nil
	}

	s.op.Logger.WithResource("container", name).Infof("Rewriting %s for %s", hbaPath, strings.Join(req.TrustedNetworks, ", "))

	if err := s.podman.WriteContainerFile(s.ctx(), name, "postgres", hbaPath, []byte(rules.String())); err != nil {
		res.Message = "Failed to write pg_hba.conf: " + StderrOf(err)
		return res, reconcileFailed(name, "write "+hbaPath, err)
	}
	res.Changed = true

	if err := s.podman.ReloadPostgres(s.ctx(), name, pgdata); err != nil {
		res.Message = "pg_hba.conf written but reload failed: " + StderrOf(err)
		return res, reconcileFailed(name, "reload configuration", err)
	}

	final, err := s.podman.ReadAuthRules(s.ctx(), name, pgdata)
	if err != nil {
		res.Message = "pg_hba.conf written and reloaded but could not be re-read"
		return res, probeFailure(name, "cannot re-read "+hbaPath, err)
	}
	res.CurrentConfig = final.String()

	if bad := final.Violations(networks); len(bad) > 0 {
		names := make([]string, len(bad))
		for i, p := range bad {
			names[i] = p.String()
		}
		res.Message = "pg_hba.conf rewritten but rules for " + strings.Join(names, ", ") + " are not ahead of the catch-all"
		return res, reconcileFailed(name, "verify rule order", nil)
	}

	res.Success = true
	res.Message = fmt.Sprintf("pg_hba.conf updated: %s now %s; configuration reloaded",
		strings.Join(req.TrustedNetworks, ", "), req.AuthMethod)
	return res, nil
}

// probeFailure maps a failed in-container read to ResourceUnavailable and
// passes transport errors through.
func probeFailure(resource, message string, err error) error {
	if ClassOf(err) == ClassTransport {
		return err
	}
	return unavailable(resource, message, err)
}
