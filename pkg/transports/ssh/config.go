package ssh

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	// DefaultPort is the port used when none is configured.
	DefaultPort = 22

	// DefaultCommandTimeout bounds ordinary remote commands.
	DefaultCommandTimeout = 60 * time.Second

	// DefaultLongCommandTimeout bounds scripts, volume exports and imports.
	DefaultLongCommandTimeout = 5 * time.Minute

	// DefaultMaxRetries is the number of reconnect-and-retry rounds after a
	// connection-class failure.
	DefaultMaxRetries = 2

	// DefaultRetryBackoff is the linear backoff unit; retry N waits N units.
	DefaultRetryBackoff = time.Second
)

// Config holds SSH connection configuration.
type Config struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port (default: 22)
	Port int

	// User is the SSH principal
	User string

	// PrivateKeyPath is the path to the private key file. Key authentication
	// is used whenever this file exists.
	PrivateKeyPath string

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string

	// Password is used only when no usable private key is configured
	Password string

	// KnownHostsPath is the path to the known_hosts file
	KnownHostsPath string

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath
	StrictHostKeyChecking bool

	// ConnectionTimeout is the timeout for establishing a connection
	ConnectionTimeout time.Duration

	// CommandTimeout is the default timeout for command execution
	CommandTimeout time.Duration

	// LongCommandTimeout is used for scripts and bulk data movement
	LongCommandTimeout time.Duration

	// KeepAliveInterval is the interval for sending keep-alive messages.
	// Set to 0 to disable keep-alive.
	KeepAliveInterval time.Duration

	// MaxRetries is the retry ceiling for connection-class failures
	MaxRetries int

	// RetryBackoff is the linear backoff unit between retries
	RetryBackoff time.Duration

	// ProxyHost is the hostname of a jump host (optional)
	ProxyHost string

	// ProxyPort is the port of the jump host
	ProxyPort int

	// ProxyUser is the principal on the jump host
	ProxyUser string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Host:                  host,
		Port:                  DefaultPort,
		User:                  user,
		PrivateKeyPath:        filepath.Join(home, ".ssh", "id_rsa"),
		KnownHostsPath:        filepath.Join(home, ".ssh", "known_hosts"),
		StrictHostKeyChecking: false,
		ConnectionTimeout:     30 * time.Second,
		CommandTimeout:        DefaultCommandTimeout,
		LongCommandTimeout:    DefaultLongCommandTimeout,
		KeepAliveInterval:     10 * time.Second,
		MaxRetries:            DefaultMaxRetries,
		RetryBackoff:          DefaultRetryBackoff,
		ProxyPort:             DefaultPort,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}

	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive")
	}

	if c.LongCommandTimeout < c.CommandTimeout {
		return fmt.Errorf("long command timeout must not be shorter than command timeout")
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}

	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff must not be negative")
	}

	if c.ProxyHost != "" {
		if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
			return fmt.Errorf("invalid proxy port: %d", c.ProxyPort)
		}
		if c.ProxyUser == "" {
			return fmt.Errorf("proxy user is required when proxy host is specified")
		}
	}

	return nil
}

// HasKey reports whether the configured private key file exists.
func (c *Config) HasKey() bool {
	if c.PrivateKeyPath == "" {
		return false
	}
	info, err := os.Stat(c.PrivateKeyPath)
	return err == nil && !info.IsDir()
}

// authMethods selects key authentication when a key file is present and
// falls back to password authentication otherwise.
func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	if c.HasKey() {
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	if c.Password != "" {
		password := c.Password
		return []ssh.AuthMethod{
			ssh.Password(password),
			// Many servers only offer the interactive "Password:" prompt.
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil
	}

	return nil, fmt.Errorf("no private key found at %q and no password configured", c.PrivateKeyPath)
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ProxyAddress returns the formatted proxy address (host:port).
func (c *Config) ProxyAddress() string {
	if c.ProxyHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.ProxyHost, c.ProxyPort)
}

// IsProxyEnabled returns true if a jump host is configured.
func (c *Config) IsProxyEnabled() bool {
	return c.ProxyHost != ""
}

// proxyConfig derives the jump host configuration; it reuses the target's
// credentials.
func (c *Config) proxyConfig() *Config {
	return &Config{
		Host:                  c.ProxyHost,
		Port:                  c.ProxyPort,
		User:                  c.ProxyUser,
		PrivateKeyPath:        c.PrivateKeyPath,
		PrivateKeyPassphrase:  c.PrivateKeyPassphrase,
		Password:              c.Password,
		KnownHostsPath:        c.KnownHostsPath,
		StrictHostKeyChecking: c.StrictHostKeyChecking,
		ConnectionTimeout:     c.ConnectionTimeout,
	}
}
