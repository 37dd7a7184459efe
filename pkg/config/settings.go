package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/codeb/reconciler/pkg/transports/ssh"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CODEB"

// Settings is the operator configuration of the reconciler.
type Settings struct {
	Server    ServerSettings    `mapstructure:"server"`
	Transport TransportSettings `mapstructure:"transport"`
	Reconcile ReconcileSettings `mapstructure:"reconcile"`
	Store     StoreSettings     `mapstructure:"store"`
	Policy    PolicySettings    `mapstructure:"policy"`
	Logging   LoggingSettings   `mapstructure:"logging"`
	Metrics   MetricsSettings   `mapstructure:"metrics"`
	Tracing   TracingSettings   `mapstructure:"tracing"`
}

// ServerSettings identifies the Podman host and how to log in to it.
type ServerSettings struct {
	Host                  string `mapstructure:"host"`
	Port                  int    `mapstructure:"port"`
	User                  string `mapstructure:"user"`
	Password              string `mapstructure:"password"`
	SSHKeyPath            string `mapstructure:"ssh_key_path"`
	SSHKeyPassphrase      string `mapstructure:"ssh_key_passphrase"`
	KnownHostsPath        string `mapstructure:"known_hosts_path"`
	StrictHostKeyChecking bool   `mapstructure:"strict_host_key_checking"`
	ProxyHost             string `mapstructure:"proxy_host"`
	ProxyPort             int    `mapstructure:"proxy_port"`
	ProxyUser             string `mapstructure:"proxy_user"`
}

// TransportSettings tunes timeouts and the retry policy.
type TransportSettings struct {
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout     time.Duration `mapstructure:"command_timeout"`
	LongCommandTimeout time.Duration `mapstructure:"long_command_timeout"`
	KeepAliveInterval  time.Duration `mapstructure:"keepalive_interval"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
}

// ReconcileSettings holds defaults applied to requests that omit them.
type ReconcileSettings struct {
	BackupRoot      string   `mapstructure:"backup_root"`
	DefaultNetwork  string   `mapstructure:"default_network"`
	TrustedNetworks []string `mapstructure:"trusted_networks"`
	AuthMethod      string   `mapstructure:"auth_method"`
	Actor           string   `mapstructure:"actor"`
}

// StoreSettings locates the journal database. An empty path disables it.
type StoreSettings struct {
	Path string `mapstructure:"path"`
}

// PolicySettings lists extra Rego policy files or directories.
type PolicySettings struct {
	Paths []string `mapstructure:"paths"`
}

type LoggingSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsSettings struct {
	Enabled       bool   `mapstructure:"enabled"`
	ListenAddress string `mapstructure:"listen_address"`
}

type TracingSettings struct {
	Enabled  bool   `mapstructure:"enabled"`
	Exporter string `mapstructure:"exporter"`
	Endpoint string `mapstructure:"endpoint"`
}

// Load reads settings from defaults, then the config file, then the
// environment. If cfgFile is empty the standard locations are searched and
// a missing file is not an error.
func Load(cfgFile string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("codeb")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/codeb")
		v.AddConfigPath("/etc/codeb")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound):
		case cfgFile != "" && errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("config file %s does not exist", cfgFile)
		default:
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The deploy tool has always exported the key path without the section.
	_ = v.BindEnv("server.ssh_key_path", EnvPrefix+"_SSH_KEY_PATH", EnvPrefix+"_SERVER_SSH_KEY_PATH")

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	s.Server.SSHKeyPath = expandHome(s.Server.SSHKeyPath)
	s.Server.KnownHostsPath = expandHome(s.Server.KnownHostsPath)

	return s, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", ssh.DefaultPort)
	v.SetDefault("server.user", "root")
	v.SetDefault("server.password", "")
	v.SetDefault("server.ssh_key_path", "~/.ssh/id_rsa")
	v.SetDefault("server.ssh_key_passphrase", "")
	v.SetDefault("server.known_hosts_path", "~/.ssh/known_hosts")
	v.SetDefault("server.strict_host_key_checking", false)
	v.SetDefault("server.proxy_host", "")
	v.SetDefault("server.proxy_port", ssh.DefaultPort)
	v.SetDefault("server.proxy_user", "")

	v.SetDefault("transport.connect_timeout", "30s")
	v.SetDefault("transport.command_timeout", ssh.DefaultCommandTimeout.String())
	v.SetDefault("transport.long_command_timeout", ssh.DefaultLongCommandTimeout.String())
	v.SetDefault("transport.keepalive_interval", "10s")
	v.SetDefault("transport.max_retries", ssh.DefaultMaxRetries)
	v.SetDefault("transport.retry_backoff", ssh.DefaultRetryBackoff.String())

	v.SetDefault("reconcile.backup_root", "/home/codeb/backups/volumes")
	v.SetDefault("reconcile.default_network", "codeb-network")
	v.SetDefault("reconcile.trusted_networks", []string{"10.88.0.0/16"})
	v.SetDefault("reconcile.auth_method", "trust")
	v.SetDefault("reconcile.actor", "")

	v.SetDefault("store.path", "")
	v.SetDefault("policy.paths", []string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_address", ":9464")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.endpoint", "")
}

// SSHConfig builds the transport configuration and validates it.
func (s *Settings) SSHConfig() (*ssh.Config, error) {
	if s.Server.Host == "" {
		return nil, fmt.Errorf("server host is required (set %s_SERVER_HOST)", EnvPrefix)
	}

	cfg := ssh.DefaultConfig(s.Server.Host, s.Server.User)
	cfg.Port = s.Server.Port
	cfg.Password = s.Server.Password
	cfg.PrivateKeyPath = s.Server.SSHKeyPath
	cfg.PrivateKeyPassphrase = s.Server.SSHKeyPassphrase
	cfg.KnownHostsPath = s.Server.KnownHostsPath
	cfg.StrictHostKeyChecking = s.Server.StrictHostKeyChecking
	cfg.ProxyHost = s.Server.ProxyHost
	cfg.ProxyPort = s.Server.ProxyPort
	cfg.ProxyUser = s.Server.ProxyUser
	if cfg.ProxyUser == "" {
		cfg.ProxyUser = cfg.User
	}

	cfg.ConnectionTimeout = s.Transport.ConnectTimeout
	cfg.CommandTimeout = s.Transport.CommandTimeout
	cfg.LongCommandTimeout = s.Transport.LongCommandTimeout
	cfg.KeepAliveInterval = s.Transport.KeepAliveInterval
	cfg.MaxRetries = s.Transport.MaxRetries
	cfg.RetryBackoff = s.Transport.RetryBackoff

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transport settings: %w", err)
	}
	return cfg, nil
}

func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + "/" + rest
}
