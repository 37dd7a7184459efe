// Package podmantest provides an in-memory Podman host that understands the
// commands issued by package podman. It implements ssh.Transport so
// reconcilers can be exercised without a real machine.
package podmantest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codeb/reconciler/pkg/transports/ssh"
)

// Container is a simulated container.
type Container struct {
	Name     string
	Running  bool
	IP       string
	Network  string
	Env      map[string]string
	Files    map[string]string
	Volumes  []string
	Networks []string
}

// Network is a simulated network. A non-empty InspectError makes inspect
// fail with that text. InspectWarning is printed to stderr by an inspect
// that still succeeds.
type Network struct {
	Name           string
	Driver         string
	InspectError   string
	InspectWarning string
}

type failure struct {
	match    string
	exitCode int
	stderr   string
}

// Host is a fake Podman host.
type Host struct {
	mu sync.Mutex

	Containers map[string]*Container
	Volumes    map[string][]byte
	Networks   map[string]*Network
	Files      map[string][]byte
	Dirs       map[string]bool

	// Connects counts Connect calls
	Connects int
	// Reloads counts pg_ctl reload invocations per container
	Reloads map[string]int
	// Commands records every command executed
	Commands []string

	connected bool
	failures  []failure
}

// NewHost returns an empty host with the default network present.
func NewHost() *Host {
	return &Host{
		Containers: map[string]*Container{},
		Volumes:    map[string][]byte{},
		Networks:   map[string]*Network{"podman": {Name: "podman", Driver: "bridge"}},
		Files:      map[string][]byte{},
		Dirs:       map[string]bool{},
		Reloads:    map[string]int{},
	}
}

// AddContainer registers a container and returns it for further setup.
func (h *Host) AddContainer(c *Container) *Container {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.Env == nil {
		c.Env = map[string]string{}
	}
	if c.Files == nil {
		c.Files = map[string]string{}
	}
	h.Containers[c.Name] = c
	return c
}

// AddNetwork registers a network.
func (h *Host) AddNetwork(n *Network) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n.Driver == "" {
		n.Driver = "bridge"
	}
	h.Networks[n.Name] = n
}

// FailOn makes every command containing match exit with exitCode and stderr.
func (h *Host) FailOn(match string, exitCode int, stderr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, failure{match: match, exitCode: exitCode, stderr: stderr})
}

// ContainerFile returns a file from inside a container.
func (h *Host) ContainerFile(container, path string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.Containers[container]; ok {
		return c.Files[path]
	}
	return ""
}

// Ran reports how many executed commands contain fragment.
func (h *Host) Ran(fragment string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, cmd := range h.Commands {
		if strings.Contains(cmd, fragment) {
			n++
		}
	}
	return n
}

// Connect implements ssh.Transport.
func (h *Host) Connect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Connects++
	h.connected = true
	return nil
}

// Disconnect implements ssh.Transport.
func (h *Host) Disconnect() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = false
	return nil
}

// IsConnected implements ssh.Transport.
func (h *Host) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// HealthCheck implements ssh.Transport.
func (h *Host) HealthCheck(ctx context.Context) error {
	if !h.IsConnected() {
		return notConnected()
	}
	return nil
}

// GetConnectionInfo implements ssh.Transport.
func (h *Host) GetConnectionInfo() ssh.ConnectionInfo {
	return ssh.ConnectionInfo{Host: "podmantest", Port: 22, User: "root", Connected: h.IsConnected()}
}

// Execute implements ssh.Transport.
func (h *Host) Execute(ctx context.Context, cmd string, timeout time.Duration) (*ssh.CommandResult, error) {
	return h.ExecuteWithStdin(ctx, cmd, nil, timeout)
}

// ExecuteWithStdin implements ssh.Transport.
func (h *Host) ExecuteWithStdin(ctx context.Context, cmd string, stdin []byte, timeout time.Duration) (*ssh.CommandResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.connected {
		return nil, notConnected()
	}
	h.Commands = append(h.Commands, cmd)

	start := time.Now()
	result := &ssh.CommandResult{Command: cmd, StartedAt: start}

	if f, ok := h.failure(cmd); ok {
		result.ExitCode = f.exitCode
		result.Stderr = f.stderr
	} else {
		args, err := Split(cmd)
		if err != nil {
			result.ExitCode = 2
			result.Stderr = err.Error()
		} else {
			result.Stdout, result.Stderr, result.ExitCode = h.dispatch(args, stdin)
		}
	}

	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(start)
	return result, nil
}

// ExecuteSequence implements ssh.Transport.
func (h *Host) ExecuteSequence(ctx context.Context, cmds []string) ([]*ssh.CommandResult, error) {
	results := make([]*ssh.CommandResult, 0, len(cmds))
	for i, cmd := range cmds {
		result, err := h.Execute(ctx, cmd, 0)
		if err != nil {
			return results, fmt.Errorf("command %d failed: %w", i, err)
		}
		results = append(results, result)
	}
	return results, nil
}

// ExecuteScript implements ssh.Transport. Scripts are not interpreted.
func (h *Host) ExecuteScript(ctx context.Context, script string, interpreter string) (*ssh.CommandResult, error) {
	return &ssh.CommandResult{Command: interpreter, ExitCode: 127, Stderr: "scripts are not supported"}, nil
}

// ReadRemoteFile implements ssh.Transport.
func (h *Host) ReadRemoteFile(ctx context.Context, p string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.Files[p]
	if !ok {
		return nil, &ssh.TransportError{Op: "read", Err: fmt.Errorf("%s: no such file", p)}
	}
	return append([]byte(nil), data...), nil
}

// WriteRemoteFile implements ssh.Transport.
func (h *Host) WriteRemoteFile(ctx context.Context, p string, content []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Dirs[path.Dir(p)] = true
	h.Files[p] = append([]byte(nil), content...)
	return nil
}

// FileExists implements ssh.Transport.
func (h *Host) FileExists(ctx context.Context, p string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.connected {
		return false, notConnected()
	}
	_, ok := h.Files[p]
	return ok, nil
}

// DirExists implements ssh.Transport.
func (h *Host) DirExists(ctx context.Context, p string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Dirs[p], nil
}

// ComputeChecksum implements ssh.Transport.
func (h *Host) ComputeChecksum(ctx context.Context, p string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.Files[p]
	if !ok {
		return "", &ssh.TransportError{Op: "checksum", Err: fmt.Errorf("%s: no such file", p)}
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (h *Host) failure(cmd string) (failure, bool) {
	for _, f := range h.failures {
		if strings.Contains(cmd, f.match) {
			return f, true
		}
	}
	return failure{}, false
}

// dispatch interprets one command (must be called with mu held).
func (h *Host) dispatch(args []string, stdin []byte) (string, string, int) {
	switch {
	case len(args) == 3 && args[0] == "mkdir" && args[1] == "-p":
		h.Dirs[args[2]] = true
		return "", "", 0
	case len(args) == 3 && args[0] == "ls" && args[1] == "-1":
		return h.listDir(args[2])
	case len(args) >= 2 && args[0] == "podman":
		return h.podman(args[1:], stdin)
	}
	return "", "sh: " + args[0] + ": command not found", 127
}

func (h *Host) listDir(dir string) (string, string, int) {
	if !h.Dirs[dir] {
		return "", "ls: cannot access '" + dir + "': No such file or directory", 2
	}
	var names []string
	for p := range h.Files {
		if path.Dir(p) == dir {
			names = append(names, path.Base(p))
		}
	}
	sort.Strings(names)
	return joinLines(names), "", 0
}

func (h *Host) podman(args []string, stdin []byte) (string, string, int) {
	switch args[0] {
	case "container":
		return h.containerCmd(args[1:])
	case "exec":
		return h.execCmd(args[1:], stdin)
	case "volume":
		return h.volumeCmd(args[1:])
	case "network":
		return h.networkCmd(args[1:])
	case "ps":
		return h.psCmd(args[1:])
	}
	return "", "Error: unrecognized command `podman " + args[0] + "`", 125
}

func (h *Host) containerCmd(args []string) (string, string, int) {
	if len(args) < 2 {
		return "", "Error: missing arguments", 125
	}
	name := args[len(args)-1]
	c, ok := h.Containers[name]

	switch args[0] {
	case "exists":
		if ok {
			return "", "", 0
		}
		return "", "", 1
	case "inspect":
		if !ok {
			return "", "Error: no such container " + name, 125
		}
		format := flagValue(args, "--format")
		switch format {
		case "{{.State.Running}}":
			return fmt.Sprintf("%t\n", c.Running), "", 0
		case "{{json .NetworkSettings}}":
			settings := map[string]any{"IPAddress": "", "Networks": map[string]any{}}
			if c.Running && c.Network != "" {
				settings["Networks"] = map[string]any{c.Network: map[string]string{"IPAddress": c.IP}}
			}
			out, _ := json.Marshal(settings)
			return string(out) + "\n", "", 0
		}
		return "", "Error: unsupported format " + format, 125
	}
	return "", "Error: unrecognized container command", 125
}

func (h *Host) execCmd(args []string, stdin []byte) (string, string, int) {
	i := 0
	for i < len(args) && strings.HasPrefix(args[i], "-") {
		if args[i] == "-u" {
			i++
		}
		i++
	}
	if i >= len(args)-1 {
		return "", "Error: missing command", 125
	}
	name, cmd := args[i], args[i+1:]

	c, ok := h.Containers[name]
	if !ok {
		return "", "Error: no such container " + name, 125
	}
	if !c.Running {
		return "", "Error: can only create exec sessions on running containers: container state improper", 125
	}

	switch {
	case cmd[0] == "printenv" && len(cmd) == 2:
		v, ok := c.Env[cmd[1]]
		if !ok {
			return "", "", 1
		}
		return v + "\n", "", 0
	case cmd[0] == "cat" && len(cmd) == 2:
		content, ok := c.Files[cmd[1]]
		if !ok {
			return "", "cat: " + cmd[1] + ": No such file or directory", 1
		}
		return content, "", 0
	case cmd[0] == "sh" && len(cmd) == 3 && cmd[1] == "-c":
		script, err := Split(cmd[2])
		if err != nil || len(script) != 7 || script[0] != "cat" || script[1] != ">" || script[4] != "mv" {
			return "", "sh: unsupported script", 2
		}
		c.Files[script[6]] = string(stdin)
		return "", "", 0
	case cmd[0] == "pg_ctl" && len(cmd) >= 2 && cmd[1] == "reload":
		h.Reloads[name]++
		return "server signaled\n", "", 0
	}
	return "", "OCI runtime error: executable file not found", 127
}

func (h *Host) volumeCmd(args []string) (string, string, int) {
	if len(args) < 2 {
		return "", "Error: missing arguments", 125
	}

	switch args[0] {
	case "exists":
		if _, ok := h.Volumes[args[1]]; ok {
			return "", "", 0
		}
		return "", "", 1
	case "create":
		name := args[1]
		if _, ok := h.Volumes[name]; ok {
			return "", "Error: volume with name " + name + " already exists: volume already exists", 125
		}
		h.Volumes[name] = []byte{}
		return name + "\n", "", 0
	case "rm":
		name := args[len(args)-1]
		if _, ok := h.Volumes[name]; !ok {
			return "", "Error: no volume with name \"" + name + "\" found: no such volume", 1
		}
		if users := h.volumeUsers(name); len(users) > 0 {
			return "", "Error: volume " + name + " is being used by the following container(s): " + strings.Join(users, ","), 2
		}
		delete(h.Volumes, name)
		return name + "\n", "", 0
	case "export":
		out := flagValue(args, "--output")
		name := args[len(args)-1]
		data, ok := h.Volumes[name]
		if !ok {
			return "", "Error: no such volume " + name, 125
		}
		if !h.Dirs[path.Dir(out)] {
			return "", "Error: open " + out + ": no such file or directory", 125
		}
		h.Files[out] = append([]byte(nil), data...)
		return "", "", 0
	case "import":
		if len(args) != 3 {
			return "", "Error: accepts 2 arg(s)", 125
		}
		name, src := args[1], args[2]
		if _, ok := h.Volumes[name]; !ok {
			return "", "Error: no such volume " + name, 125
		}
		data, ok := h.Files[src]
		if !ok {
			return "", "Error: open " + src + ": no such file or directory", 125
		}
		h.Volumes[name] = append([]byte(nil), data...)
		return "", "", 0
	}
	return "", "Error: unrecognized volume command", 125
}

func (h *Host) networkCmd(args []string) (string, string, int) {
	switch args[0] {
	case "ls":
		names := make([]string, 0, len(h.Networks))
		for name := range h.Networks {
			names = append(names, name)
		}
		sort.Strings(names)
		rows := make([]string, 0, len(names))
		for _, name := range names {
			rows = append(rows, name+"|"+h.Networks[name].Driver)
		}
		return joinLines(rows), "", 0
	case "inspect":
		name := args[len(args)-1]
		n, ok := h.Networks[name]
		if !ok {
			return "", "Error: unable to find network with name or ID " + name + ": network not found", 125
		}
		if n.InspectError != "" {
			return "", n.InspectError, 125
		}
		out, _ := json.Marshal([]map[string]string{{"name": n.Name, "driver": n.Driver}})
		return string(out) + "\n", n.InspectWarning, 0
	case "create":
		name := args[len(args)-1]
		if _, ok := h.Networks[name]; ok {
			return "", "Error: network name " + name + " already used: network already exists", 125
		}
		h.Networks[name] = &Network{Name: name, Driver: "bridge"}
		return name + "\n", "", 0
	case "rm":
		name := args[len(args)-1]
		if _, ok := h.Networks[name]; !ok {
			return "", "Error: unable to find network with name or ID " + name + ": network not found", 1
		}
		attached := h.networkUsers(name)
		if len(attached) > 0 {
			if !contains(args, "-f") && !contains(args, "--force") {
				return "", "Error: \"" + name + "\" has associated containers with it. Use -f to forcibly delete containers and pods: network is being used", 2
			}
			// Forced removal takes the attached containers with it.
			for _, c := range attached {
				delete(h.Containers, c)
			}
		}
		delete(h.Networks, name)
		return name + "\n", "", 0
	}
	return "", "Error: unrecognized network command", 125
}

func (h *Host) psCmd(args []string) (string, string, int) {
	filter := flagValue(args, "--filter")
	key, value, _ := strings.Cut(filter, "=")

	var names []string
	switch key {
	case "volume":
		names = h.volumeUsers(value)
	case "network":
		names = h.networkUsers(value)
	default:
		for _, c := range h.sortedContainers() {
			names = append(names, c.Name)
		}
	}
	return joinLines(names), "", 0
}

func (h *Host) volumeUsers(volume string) []string {
	var names []string
	for _, c := range h.sortedContainers() {
		if contains(c.Volumes, volume) {
			names = append(names, c.Name)
		}
	}
	return names
}

func (h *Host) networkUsers(network string) []string {
	var names []string
	for _, c := range h.sortedContainers() {
		if c.Network == network || contains(c.Networks, network) {
			names = append(names, c.Name)
		}
	}
	return names
}

func (h *Host) sortedContainers() []*Container {
	out := make([]*Container, 0, len(h.Containers))
	for _, c := range h.Containers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func flagValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func notConnected() error {
	return &ssh.TransportError{Op: "session", Kind: ssh.ErrNotConnected}
}

var _ ssh.Transport = (*Host)(nil)
