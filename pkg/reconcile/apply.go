package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/codeb/reconciler/pkg/config"
)

// StepResult is the outcome of one resource in an Apply run.
type StepResult struct {
	Kind    string      `json:"kind" yaml:"kind"`
	Target  string      `json:"target" yaml:"target"`
	Success bool        `json:"success" yaml:"success"`
	Action  string      `json:"action,omitempty" yaml:"action,omitempty"`
	Message string      `json:"message,omitempty" yaml:"message,omitempty"`
	Error   string      `json:"error,omitempty" yaml:"error,omitempty"`
	Result  interface{} `json:"result,omitempty" yaml:"result,omitempty"`
}

// ApplyReport collects every step of an Apply run. Connections maps each
// connection name to its rewritten URL.
type ApplyReport struct {
	Project     string            `json:"project" yaml:"project"`
	Environment string            `json:"environment" yaml:"environment"`
	Success     bool              `json:"success" yaml:"success"`
	Steps       []StepResult      `json:"steps" yaml:"steps"`
	Connections map[string]string `json:"connections,omitempty" yaml:"connections,omitempty"`
}

// Apply reconciles every resource of a desired-state document: networks,
// then volumes, then auth rules, then connection strings. A failed step
// does not stop the others; their errors are joined. A document naming a
// host other than the reconciler's is rejected before connecting.
func (r *Reconciler) Apply(ctx context.Context, state *config.DesiredState) (*ApplyReport, error) {
	if state.Host != "" && !strings.EqualFold(state.Host, r.host) {
		target := r.host
		if target == "" {
			target = "an unnamed host"
		}
		return nil, invalid(fmt.Sprintf("desired state targets host %s but the reconciler connects to %s", state.Host, target), nil)
	}

	report := &ApplyReport{
		Project:     state.Project,
		Environment: state.Environment,
		Success:     true,
		Steps:       []StepResult{},
		Connections: map[string]string{},
	}
	var errs []error

	record := func(kind, target string, res outcome, success bool, result interface{}, err error) {
		step := StepResult{Kind: kind, Target: target, Success: success && err == nil, Result: result}
		if res != nil {
			step.Action, step.Message = res.outcome()
		}
		if err != nil {
			step.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s %s: %w", kind, target, err))
		}
		if !step.Success {
			report.Success = false
		}
		report.Steps = append(report.Steps, step)
	}

	for _, n := range state.Networks {
		res, err := r.EnsureNetwork(ctx, NetworkRequest{Name: n.Name, AllowFallback: n.AllowFallback, CreateIfMissing: n.Create})
		record("network", n.Name, res, res != nil && res.Success, res, err)
	}

	for _, v := range state.Volumes {
		req := VolumeRequest{
			Project:     state.Project,
			Kind:        v.Kind,
			Environment: state.Environment,
			Intent:      VolumeIntent(v.Intent),
			Force:       v.Force,
		}
		res, err := r.EnsureVolume(ctx, req)
		record("volume", v.Kind, res, res != nil && res.Success, res, err)
	}

	for _, a := range state.AuthRules {
		res, err := r.ConfigureAuthRules(ctx, AuthRulesRequest{
			ContainerName:   a.Container,
			TrustedNetworks: a.TrustedNetworks,
			AuthMethod:      a.Method,
		})
		var result interface{}
		if res != nil {
			summary := *res
			summary.CurrentConfig = ""
			result = summary
		}
		record("auth-rules", a.Container, res, res != nil && res.Success, result, err)
	}

	for _, c := range state.Connections {
		res, err := r.InjectContainerIP(ctx, InjectRequest{URL: c.URL, ContainerName: c.Container})
		if res != nil {
			report.Connections[c.Name] = res.URL
		}
		record("connection", c.Name, res, res != nil && res.Success, res, err)
	}

	return report, errors.Join(errs...)
}
