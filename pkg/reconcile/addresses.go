package reconcile

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/codeb/reconciler/pkg/podman"
	"github.com/codeb/reconciler/pkg/telemetry"
)

// authorityPattern splits a connection URL into scheme, optional userinfo,
// host (bracketed IPv6 or plain) and the remainder (port, path, query).
var authorityPattern = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9+.-]*://)([^/?#]*@)?(\[[^\]]*\]|[^:/?#]*)(.*)$`)

// AddressLookup is one entry of a batch resolution. Error is set and
// Success is false when the lookup itself failed; absence is reported
// through Status.
type AddressLookup struct {
	podman.ContainerAddress `yaml:",inline"`
	Success                 bool   `json:"success" yaml:"success"`
	Message                 string `json:"message" yaml:"message"`
	Error                   string `json:"error,omitempty" yaml:"error,omitempty"`
}

type addressOutcome struct {
	found, total int
}

func (a *addressOutcome) outcome() (string, string) {
	if a == nil {
		return "", ""
	}
	return "resolved", fmt.Sprintf("Resolved %d of %d container addresses", a.found, a.total)
}

// InjectRequest names the connection string to rewrite and the container
// whose address should replace its host.
type InjectRequest struct {
	URL           string `json:"url" yaml:"url" validate:"required"`
	ContainerName string `json:"container_name" yaml:"container_name" validate:"required"`
}

// InjectResult is the rewritten connection string. When the container has
// no address the URL is returned unchanged and Injected is false, which is
// still a successful result.
type InjectResult struct {
	Success       bool                   `json:"success" yaml:"success"`
	URL           string                 `json:"url" yaml:"url"`
	Injected      bool                   `json:"injected" yaml:"injected"`
	OriginalHost  string                 `json:"original_host,omitempty" yaml:"original_host,omitempty"`
	IPAddress     string                 `json:"ip_address,omitempty" yaml:"ip_address,omitempty"`
	ContainerName string                 `json:"container_name" yaml:"container_name"`
	Status        podman.ContainerStatus `json:"status,omitempty" yaml:"status,omitempty"`
	Message       string                 `json:"message" yaml:"message"`
}

func (r *InjectResult) outcome() (string, string) {
	if r == nil {
		return "", ""
	}
	if r.Injected {
		return "injected", r.Message
	}
	return "not-injected", r.Message
}

// ResolveAddress returns the container's address. A missing or stopped
// container is a normal result, not an error.
func (r *Reconciler) ResolveAddress(ctx context.Context, name string) (*podman.ContainerAddress, error) {
	lookups, err := r.ResolveAddresses(ctx, []string{name})
	if err != nil {
		return nil, err
	}
	if lookups[0].Error != "" {
		return &lookups[0].ContainerAddress, fmt.Errorf("resolve %s: %s", name, lookups[0].Error)
	}
	return &lookups[0].ContainerAddress, nil
}

// ResolveAddresses looks up several containers over one connection. Each
// lookup is independent: a failed entry carries its error and the others
// are still resolved.
func (r *Reconciler) ResolveAddresses(ctx context.Context, names []string) (lookups []AddressLookup, err error) {
	if len(names) == 0 {
		return nil, invalid("no container names given", nil)
	}

	s, err := r.begin(ctx, OpResolveAddress, strings.Join(names, ","))
	if err != nil {
		return nil, err
	}
	res := &addressOutcome{total: len(names)}
	defer func() { s.end(res, err) }()

	lookups = make([]AddressLookup, len(names))
	for i, name := range names {
		lookups[i].ContainerName = name
		addr, lerr := s.podman.ContainerAddress(s.ctx(), name)
		if lerr != nil {
			s.op.Logger.WithResource("container", name).WithError(lerr).Warn("Address lookup failed")
			lookups[i].Error = lerr.Error()
			lookups[i].Message = fmt.Sprintf("Lookup of %s failed", name)
			continue
		}
		lookups[i].ContainerAddress = *addr
		lookups[i].Success = true
		if addr.IPAddress != "" {
			res.found++
			lookups[i].Message = fmt.Sprintf("%s has address %s on %s", name, addr.IPAddress, addr.NetworkName)
		} else {
			lookups[i].Message = fmt.Sprintf("%s has no address (%s)", name, addr.Status)
		}
	}
	return lookups, nil
}

// InjectAddress replaces the host of a connection URL with ip, keeping the
// scheme, credentials, port, path and query exactly as written. It returns
// the new URL, the replaced host and whether the URL had a recognizable
// authority.
func InjectAddress(url, ip string) (string, string, bool) {
	m := authorityPattern.FindStringSubmatch(url)
	if m == nil || m[3] == "" {
		return url, "", false
	}
	host := ip
	if strings.Contains(ip, ":") {
		host = "[" + ip + "]"
	}
	return m[1] + m[2] + host + m[4], m[3], true
}

// InjectContainerIP rewrites the host of a connection string to the literal
// address of a container, for runtimes without service name resolution.
func (r *Reconciler) InjectContainerIP(ctx context.Context, req InjectRequest) (res *InjectResult, err error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	res = &InjectResult{URL: req.URL, ContainerName: req.ContainerName}
	if _, _, ok := InjectAddress(req.URL, "0.0.0.0"); !ok {
		res.Success = true
		res.Message = "Connection string has no host to replace"
		return res, nil
	}

	s, err := r.begin(ctx, OpInjectAddress, req.ContainerName, telemetry.AttrContainer.String(req.ContainerName))
	if err != nil {
		return nil, err
	}
	defer func() { s.end(res, err) }()

	addr, err := s.podman.ContainerAddress(s.ctx(), req.ContainerName)
	if err != nil {
		return res, err
	}
	res.Status = addr.Status
	res.Success = true
	if addr.IPAddress == "" {
		res.Message = fmt.Sprintf("Container %s has no address (%s); connection string left unchanged", req.ContainerName, addr.Status)
		return res, nil
	}

	res.URL, res.OriginalHost, res.Injected = InjectAddress(req.URL, addr.IPAddress)
	res.IPAddress = addr.IPAddress
	res.Message = fmt.Sprintf("Replaced host %s with %s (%s)", res.OriginalHost, addr.IPAddress, req.ContainerName)
	return res, nil
}
