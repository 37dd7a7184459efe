package ssh

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// SSHClient implements the Transport interface over a single SSH connection.
type SSHClient struct {
	config *Config

	// Connection management
	client        *ssh.Client
	proxy         *ssh.Client
	connMu        sync.RWMutex
	isConnected   bool
	connectedAt   time.Time
	lastUsedAt    time.Time
	reconnects    int
	stopKeepAlive chan struct{}

	// execMu serialises commands; one command is in flight per connection.
	execMu sync.Mutex

	// sleep is replaced in tests to observe retry backoff.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSSHClient creates a new SSH transport client. No connection is opened
// until Connect or the first command.
func NewSSHClient(config *Config) (*SSHClient, error) {
	if config == nil {
		return nil, fmt.Errorf("invalid config: config is nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &SSHClient{
		config: config,
		sleep:  sleepContext,
	}, nil
}

// Config returns the client's configuration.
func (c *SSHClient) Config() *Config {
	return c.config
}

// Connect establishes an SSH connection to the remote host. Any existing
// session is closed first.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.closeLocked()

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return newAuthError("connect", err)
	}

	if c.config.IsProxyEnabled() {
		return c.connectViaProxy(ctx, clientConfig)
	}
	return c.connectDirect(ctx, clientConfig)
}

// connectDirect establishes a direct SSH connection.
func (c *SSHClient) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	client, err := dialContext(ctx, address, clientConfig)
	if err != nil {
		return classifyDialError("connect", err)
	}

	c.established(client, nil)
	log.Info().Str("address", address).Msg("SSH connection established")
	return nil
}

// connectViaProxy establishes an SSH connection through a jump host.
func (c *SSHClient) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	proxyConfig := c.config.proxyConfig()

	proxyClientConfig, err := proxyConfig.BuildSSHClientConfig()
	if err != nil {
		return newAuthError("connect-proxy", err)
	}

	log.Debug().Str("proxy", proxyConfig.Address()).Msg("connecting to proxy host")

	proxyClient, err := dialContext(ctx, proxyConfig.Address(), proxyClientConfig)
	if err != nil {
		return classifyDialError("connect-proxy", err)
	}

	targetAddress := c.config.Address()
	log.Debug().Str("target", targetAddress).Msg("connecting to target through proxy")

	proxyConn, err := proxyClient.Dial("tcp", targetAddress)
	if err != nil {
		_ = proxyClient.Close()
		return newConnectError("connect-via-proxy", err)
	}

	ncc, chans, reqs, err := ssh.NewClientConn(proxyConn, targetAddress, targetConfig)
	if err != nil {
		_ = proxyConn.Close()
		_ = proxyClient.Close()
		return classifyDialError("connect-via-proxy", err)
	}

	c.established(ssh.NewClient(ncc, chans, reqs), proxyClient)
	log.Info().Str("target", targetAddress).Str("proxy", proxyConfig.Address()).Msg("SSH connection established via proxy")
	return nil
}

// established records a new session (must be called with connMu held).
func (c *SSHClient) established(client, proxy *ssh.Client) {
	c.client = client
	c.proxy = proxy
	c.isConnected = true
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt

	if c.config.KeepAliveInterval > 0 {
		c.stopKeepAlive = make(chan struct{})
		go c.keepAlive(client, c.stopKeepAlive)
	}
}

// dialContext runs ssh.Dial but gives up when ctx is done.
func dialContext(ctx context.Context, address string, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	type dialResult struct {
		client *ssh.Client
		err    error
	}
	resultChan := make(chan dialResult, 1)

	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		resultChan <- dialResult{client: client, err: err}
	}()

	select {
	case <-ctx.Done():
		// Close a late connection so it does not leak.
		go func() {
			if r := <-resultChan; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-resultChan:
		return r.client, r.err
	}
}

// classifyDialError separates rejected credentials from network failures.
func classifyDialError(op string, err error) *TransportError {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return newAuthError(op, err)
	}
	return newConnectError(op, err)
}

// Disconnect closes the SSH connection. Errors are logged and swallowed.
func (c *SSHClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.client != nil {
		log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")
	}
	c.closeLocked()
	return nil
}

// Close is an alias of Disconnect.
func (c *SSHClient) Close() error {
	return c.Disconnect()
}

// closeLocked tears down the session (must be called with connMu held).
func (c *SSHClient) closeLocked() {
	if c.stopKeepAlive != nil {
		close(c.stopKeepAlive)
		c.stopKeepAlive = nil
	}
	if c.client != nil {
		if err := c.client.Close(); err != nil {
			log.Debug().Err(err).Msg("error closing SSH connection")
		}
	}
	if c.proxy != nil {
		_ = c.proxy.Close()
	}
	c.client = nil
	c.proxy = nil
	c.isConnected = false
}

// dropConnection discards a dead session before a retry.
func (c *SSHClient) dropConnection() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.closeLocked()
}

// IsConnected returns true if the transport has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	client, err := c.getClient()
	if err != nil {
		return err
	}

	session, err := client.NewSession()
	if err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	defer session.Close()

	done := make(chan error, 1)
	go func() { done <- session.Run("true") }()

	select {
	case <-ctx.Done():
		return &TransportError{Op: "healthcheck", Err: ctx.Err(), IsTemporary: true}
	case err := <-done:
		if err != nil {
			return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
		}
	}
	return nil
}

// TestConnection opens a session if needed, runs a trivial command and
// reports whether the host answered.
func (c *SSHClient) TestConnection(ctx context.Context) error {
	result, err := c.Execute(ctx, "echo ok", 0)
	if err != nil {
		return err
	}
	if result.Output() != "ok" {
		return &TransportError{Op: "test", Err: fmt.Errorf("unexpected reply %q", result.Output())}
	}
	return nil
}

// keepAlive sends periodic keep-alive requests until stop is closed.
func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				// The next command observes the dead session and reconnects.
				log.Warn().Err(err).Str("host", c.config.Host).Msg("keep-alive failed")
				return
			}
		}
	}
}

// GetConnectionInfo returns information about the current connection.
func (c *SSHClient) GetConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	method := "password"
	if c.config.HasKey() {
		method = "key"
	}

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		AuthMethod:   method,
		Connected:    c.isConnected,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
		Reconnects:   c.reconnects,
	}
}

// getClient returns the underlying SSH client.
func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil, &TransportError{Op: "session", Kind: ErrNotConnected, IsTemporary: true}
	}

	c.lastUsedAt = time.Now()
	return c.client, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
