// Package ssh reads snapshot trees from remote hosts over SFTP.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g. "connect", "sftp-init")
	Op string

	Err error

	// IsTemporary indicates the operation can be retried
	IsTemporary bool

	// IsAuthError indicates the server rejected our credentials or host key
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the operation can be retried.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// Client is an SFTP session on a remote host, optionally tunnelled through
// a jump host.
type Client struct {
	config *Config
	logger zerolog.Logger

	conn  *ssh.Client
	proxy *ssh.Client
	sftp  *sftp.Client
}

// Dial connects to the host in config and starts the SFTP subsystem.
func Dial(ctx context.Context, config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	clientConfig, err := config.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	c := &Client{
		config: config,
		logger: logger.With().Str("component", "sftp").Str("host", config.Address()).Logger(),
	}

	if config.IsProxyEnabled() {
		err = c.connectViaProxy(ctx, clientConfig)
	} else {
		c.conn, err = dialSSH(ctx, config.Address(), clientConfig)
	}
	if err != nil {
		return nil, err
	}

	c.sftp, err = sftp.NewClient(c.conn)
	if err != nil {
		_ = c.closeConns()
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}

	c.logger.Debug().Msg("SFTP session established")
	return c, nil
}

// dialSSH opens a TCP connection bound to ctx and runs the SSH handshake.
func dialSSH(ctx context.Context, address string, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: clientConfig.Timeout}
	netConn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}
	return handshake(netConn, address, clientConfig)
}

func handshake(netConn net.Conn, address string, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	ncc, chans, reqs, err := ssh.NewClientConn(netConn, address, clientConfig)
	if err != nil {
		_ = netConn.Close()
		return nil, &TransportError{Op: "handshake", Err: err, IsAuthError: true}
	}
	return ssh.NewClient(ncc, chans, reqs), nil
}

// connectViaProxy reaches the target through the configured jump host.
func (c *Client) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	pc := c.config.proxyConfig()
	proxyClientConfig, err := pc.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect-proxy", Err: err, IsAuthError: true}
	}

	c.logger.Debug().Str("proxy", pc.Address()).Msg("Connecting through jump host")
	c.proxy, err = dialSSH(ctx, pc.Address(), proxyClientConfig)
	if err != nil {
		return err
	}

	target := c.config.Address()
	proxyConn, err := c.proxy.Dial("tcp", target)
	if err != nil {
		_ = c.proxy.Close()
		return &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true}
	}

	c.conn, err = handshake(proxyConn, target, targetConfig)
	if err != nil {
		_ = c.proxy.Close()
		return err
	}
	return nil
}

// Host returns the address of the remote host.
func (c *Client) Host() string {
	return c.config.Address()
}

// Close ends the SFTP session and the SSH connections under it.
func (c *Client) Close() error {
	var errs []error
	if c.sftp != nil {
		errs = append(errs, c.sftp.Close())
	}
	errs = append(errs, c.closeConns())
	return errors.Join(errs...)
}

func (c *Client) closeConns() error {
	var errs []error
	if c.conn != nil {
		errs = append(errs, c.conn.Close())
	}
	if c.proxy != nil {
		errs = append(errs, c.proxy.Close())
	}
	return errors.Join(errs...)
}
