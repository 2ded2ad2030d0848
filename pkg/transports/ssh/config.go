package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password and keyboard-interactive authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses a private key file
	AuthMethodKey AuthMethod = "key"

	// AuthMethodAgent uses the agent listening on SSH_AUTH_SOCK
	AuthMethodAgent AuthMethod = "agent"
)

// Config holds the connection settings of a snapshot host.
type Config struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port (default: 22)
	Port int

	// User is the SSH username
	User string

	AuthMethod AuthMethod

	Password string

	// PrivateKeyPath is the key file used by AuthMethodKey.
	// Empty means the first of ~/.ssh/id_ed25519, id_rsa, id_ecdsa.
	PrivateKeyPath string

	PrivateKeyPassphrase string

	// KnownHostsPath is the known_hosts file checked when
	// StrictHostKeyChecking is set.
	KnownHostsPath string

	StrictHostKeyChecking bool

	// ConnectionTimeout bounds the TCP dial and SSH handshake.
	ConnectionTimeout time.Duration

	// ProxyHost is an optional jump host. It shares the host key settings
	// of the target.
	ProxyHost           string
	ProxyPort           int
	ProxyUser           string
	ProxyAuthMethod     AuthMethod
	ProxyPassword       string
	ProxyPrivateKeyPath string
}

// DefaultConfig returns a Config with key authentication and strict host
// key checking against ~/.ssh/known_hosts.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		ProxyPort:             22,
	}
}

// Validate checks if the configuration is usable and resolves the default
// private key.
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

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = defaultKey()
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); err != nil {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	case AuthMethodAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return fmt.Errorf("agent authentication requires SSH_AUTH_SOCK")
		}
	default:
		return fmt.Errorf("unsupported auth method: %q", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}
	if c.StrictHostKeyChecking && c.KnownHostsPath == "" {
		return fmt.Errorf("known_hosts path is required for strict host key checking")
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

func defaultKey() string {
	home := os.Getenv("HOME")
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		p := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	auth, err := authMethods(c.AuthMethod, c.Password, c.PrivateKeyPath, c.PrivateKeyPassphrase)
	if err != nil {
		return nil, err
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.StrictHostKeyChecking {
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// proxyConfig derives the jump host settings.
func (c *Config) proxyConfig() *Config {
	method := c.ProxyAuthMethod
	if method == "" {
		method = c.AuthMethod
	}
	key := c.ProxyPrivateKeyPath
	if key == "" {
		key = c.PrivateKeyPath
	}
	return &Config{
		Host:                  c.ProxyHost,
		Port:                  c.ProxyPort,
		User:                  c.ProxyUser,
		AuthMethod:            method,
		Password:              c.ProxyPassword,
		PrivateKeyPath:        key,
		KnownHostsPath:        c.KnownHostsPath,
		StrictHostKeyChecking: c.StrictHostKeyChecking,
		ConnectionTimeout:     c.ConnectionTimeout,
	}
}

func authMethods(method AuthMethod, password, keyPath, passphrase string) ([]ssh.AuthMethod, error) {
	switch method {
	case AuthMethodPassword:
		// Many servers only prompt through keyboard-interactive.
		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthMethodAgent:
		conn, err := net.Dial("unix", os.Getenv("SSH_AUTH_SOCK"))
		if err != nil {
			return nil, fmt.Errorf("failed to reach ssh agent: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil
	}
	return nil, fmt.Errorf("unsupported auth method: %q", method)
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// IsProxyEnabled returns true if a jump host is configured.
func (c *Config) IsProxyEnabled() bool {
	return c.ProxyHost != ""
}
