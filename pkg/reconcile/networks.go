package reconcile

import (
	"context"
	"fmt"

	"github.com/codeb/reconciler/pkg/podman"
	"github.com/codeb/reconciler/pkg/telemetry"
)

// Network actions reported in results.
const (
	ActionExisting          = "existing"
	ActionRepaired          = "repaired"
	ActionFallbackToDefault = "fallback-to-default"
)

// Per-network diagnosis states.
const (
	NetworkStatusHealthy = "healthy"
	NetworkStatusWarning = "warning"
	NetworkStatusError   = "error"
)

// NetworkRequest asks for a usable network. Name defaults to the
// reconciler's preferred network.
type NetworkRequest struct {
	Name            string `json:"name,omitempty" yaml:"name,omitempty"`
	AllowFallback   bool   `json:"allow_fallback" yaml:"allow_fallback"`
	CreateIfMissing bool   `json:"create_if_missing" yaml:"create_if_missing"`
}

// DefaultNetworkRequest creates the preferred network when missing and
// falls back to the runtime default.
func DefaultNetworkRequest() NetworkRequest {
	return NetworkRequest{AllowFallback: true, CreateIfMissing: true}
}

// NetworkResult names the network containers should join.
type NetworkResult struct {
	Success     bool   `json:"success" yaml:"success"`
	NetworkName string `json:"network_name" yaml:"network_name"`
	Action      string `json:"action,omitempty" yaml:"action,omitempty"`
	Message     string `json:"message" yaml:"message"`
}

func (r *NetworkResult) outcome() (string, string) {
	if r == nil {
		return "", ""
	}
	return r.Action, r.Message
}

// NetworkReport is the diagnosis of one network.
type NetworkReport struct {
	Name           string   `json:"name" yaml:"name"`
	Driver         string   `json:"driver" yaml:"driver"`
	Containers     int      `json:"containers" yaml:"containers"`
	ContainerNames []string `json:"container_names,omitempty" yaml:"container_names,omitempty"`
	Status         string   `json:"status" yaml:"status"`
	Issues         []string `json:"issues" yaml:"issues"`
}

// NetworkDiagnosis aggregates the health of every network on the host.
type NetworkDiagnosis struct {
	Healthy         bool            `json:"healthy" yaml:"healthy"`
	Networks        []NetworkReport `json:"networks" yaml:"networks"`
	Recommendations []string        `json:"recommendations" yaml:"recommendations"`
}

func (d *NetworkDiagnosis) outcome() (string, string) {
	if d == nil {
		return "", ""
	}
	if d.Healthy {
		return NetworkStatusHealthy, fmt.Sprintf("%d networks healthy", len(d.Networks))
	}
	return "unhealthy", fmt.Sprintf("%d networks diagnosed, issues found", len(d.Networks))
}

// EnsureNetwork returns a network containers can join: the preferred one
// when healthy, created or repaired when possible, otherwise the runtime's
// default network if fallback is allowed.
func (r *Reconciler) EnsureNetwork(ctx context.Context, req NetworkRequest) (res *NetworkResult, err error) {
	name := req.Name
	if name == "" {
		name = r.defaultNetwork
	}

	s, err := r.begin(ctx, OpEnsureNetwork, name, telemetry.AttrNetwork.String(name))
	if err != nil {
		return nil, err
	}
	defer func() { s.end(res, err) }()

	res = &NetworkResult{}
	metrics := s.op.Metrics()

	inspection, err := s.podman.InspectNetwork(s.ctx(), name)
	if err != nil {
		return res, err
	}
	metrics.SetNetworkHealth(name, inspection.Healthy())
	if inspection.Healthy() {
		if inspection.Warning != "" {
			s.op.Logger.WithResource("network", name).Warnf("Network inspected with warnings: %s", inspection.Warning)
		}
		res.Success = true
		res.NetworkName = name
		res.Action = ActionExisting
		res.Message = fmt.Sprintf("Network %s is available", name)
		return res, nil
	}

	var failure error
	if inspection.Error != "" {
		e := newError(ClassNetworkUnavailable, name, "inspect failed", nil)
		e.Stderr = inspection.Error
		failure = e
	}

	repaired, inUse := false, false
	if inspection.Corrupt {
		attached, lerr := s.podman.NetworkContainers(s.ctx(), name)
		if lerr != nil && ClassOf(lerr) == ClassTransport {
			return res, lerr
		}
		if len(attached) > 0 {
			// A network with attached containers is never removed.
			inUse = true
			s.op.Logger.WithResource("network", name).Warnf("Keeping corrupt network, containers attached: %v", attached)
			e := newError(ClassNetworkUnavailable, name, fmt.Sprintf("corrupt network is in use by %v", attached), nil)
			e.Stderr = inspection.Error
			failure = e
		} else {
			s.op.Logger.WithResource("network", name).Warnf("Removing corrupt network: %s", inspection.Error)
			if rmErr := s.podman.RemoveNetwork(s.ctx(), name); rmErr != nil {
				s.op.Logger.WithError(rmErr).Debug("Removal of corrupt network failed")
			}
			repaired = true
		}
	}

	if req.CreateIfMissing && !inUse {
		cerr := s.podman.CreateNetwork(s.ctx(), name)
		if cerr == nil {
			metrics.SetNetworkHealth(name, true)
			res.Success = true
			res.NetworkName = name
			res.Action = ActionCreated
			if repaired {
				res.Action = ActionRepaired
			}
			res.Message = fmt.Sprintf("Network %s %s", name, res.Action)
			return res, nil
		}
		if ClassOf(cerr) == ClassTransport {
			return res, cerr
		}
		failure = newError(ClassNetworkUnavailable, name, "create failed", cerr)
	}

	if req.AllowFallback && name != podman.DefaultNetwork {
		fallback, ferr := s.podman.InspectNetwork(s.ctx(), podman.DefaultNetwork)
		if ferr != nil {
			return res, ferr
		}
		metrics.SetNetworkHealth(podman.DefaultNetwork, fallback.Healthy())
		if fallback.Healthy() {
			res.Success = true
			res.NetworkName = podman.DefaultNetwork
			res.Action = ActionFallbackToDefault
			res.Message = fmt.Sprintf("Falling back to default '%s' network due to issues with %s", podman.DefaultNetwork, name)
			return res, nil
		}
	}

	res.Message = "Failed to ensure network: " + name
	if failure == nil {
		failure = newError(ClassNetworkUnavailable, name, "network is absent and creation was not requested", nil)
	}
	if stderr := StderrOf(failure); stderr != "" {
		res.Message += ": " + stderr
	}
	return res, failure
}

// DiagnoseNetworks inspects every network without changing anything.
func (r *Reconciler) DiagnoseNetworks(ctx context.Context) (diag *NetworkDiagnosis, err error) {
	s, err := r.begin(ctx, OpDiagnoseNetworks, "")
	if err != nil {
		return nil, err
	}
	defer func() { s.end(diag, err) }()

	networks, err := s.podman.ListNetworks(s.ctx())
	if err != nil {
		return nil, err
	}

	diag = &NetworkDiagnosis{Healthy: true, Networks: []NetworkReport{}, Recommendations: []string{}}
	seen := map[string]bool{}
	recommend := func(text string) {
		if !seen[text] {
			seen[text] = true
			diag.Recommendations = append(diag.Recommendations, text)
		}
	}

	hasDefault := false
	for _, n := range networks {
		if n.Name == podman.DefaultNetwork {
			hasDefault = true
		}
		report := NetworkReport{Name: n.Name, Driver: n.Driver, Status: NetworkStatusHealthy, Issues: []string{}}
		if report.Driver == "" {
			report.Driver = "bridge"
		}

		inspection, err := s.podman.InspectNetwork(s.ctx(), n.Name)
		if err != nil {
			return nil, err
		}

		switch {
		case !inspection.Exists:
			report.Status = NetworkStatusWarning
			report.Issues = append(report.Issues, "Network disappeared during diagnosis")
		case inspection.Error != "":
			report.Status = NetworkStatusError
			report.Issues = append(report.Issues, "Cannot inspect: "+inspection.Error)
			diag.Healthy = false
		}
		if inspection.Warning != "" {
			report.Issues = append(report.Issues, "Inspect reported warnings: "+inspection.Warning)
			if report.Status == NetworkStatusHealthy {
				report.Status = NetworkStatusWarning
			}
		}
		if sig, bad := podman.MatchCorruptSignature(inspection.Error + inspection.Warning); bad {
			report.Issues = append(report.Issues, fmt.Sprintf("Network plugin compatibility issue detected (%s)", sig))
			if report.Status != NetworkStatusError {
				report.Status = NetworkStatusWarning
			}
			recommend(fmt.Sprintf("Consider recreating network '%s' or using default '%s' network", n.Name, podman.DefaultNetwork))
		}

		containers, err := s.podman.NetworkContainers(s.ctx(), n.Name)
		if err != nil {
			report.Issues = append(report.Issues, "Cannot list containers: "+err.Error())
		}
		report.ContainerNames = containers
		report.Containers = len(containers)

		s.op.Metrics().SetNetworkHealth(n.Name, report.Status == NetworkStatusHealthy)
		diag.Networks = append(diag.Networks, report)
	}

	if !hasDefault {
		diag.Healthy = false
		recommend(fmt.Sprintf("Default network '%s' is missing; recreate it with \"podman network create %s\"", podman.DefaultNetwork, podman.DefaultNetwork))
	}
	if !diag.Healthy {
		recommend(`Run "podman network prune" to clean up unused networks`)
		recommend(fmt.Sprintf("Consider using default \"%s\" network for better compatibility", podman.DefaultNetwork))
	}
	return diag, nil
}
