package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"s3tosftp/internal/credentials"
)

// errHostKeyCaptured aborts the identity probe right after key exchange
var errHostKeyCaptured = errors.New("host key captured")

// Config contains connection settings for the SFTP endpoint
type Config struct {
	Host              string
	Port              int
	Username          string
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
	// HostFingerprint is the expected "SHA256:<base64>" host key fingerprint.
	// Empty disables verification.
	HostFingerprint string
}

// Connector opens authenticated SFTP sessions. It never retries.
type Connector struct {
	cfg    Config
	logger *zap.Logger
	dial   func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewConnector creates a connector for cfg
func NewConnector(cfg Config, logger *zap.Logger) *Connector {
	d := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: cfg.KeepaliveInterval,
	}
	return &Connector{
		cfg:    cfg,
		logger: logger.With(zap.String("host", cfg.Host), zap.Int("port", cfg.Port)),
		dial:   d.DialContext,
	}
}

func (c *Connector) addr() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

// Connect verifies the host identity when a fingerprint is pinned,
// authenticates with cred and returns a ready session
func (c *Connector) Connect(ctx context.Context, cred credentials.Credential) (Session, error) {
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.cfg.HostFingerprint != "" {
		hostKey, err := c.VerifyFingerprint(ctx)
		if err != nil {
			return nil, err
		}
		hostKeyCallback = ssh.FixedHostKey(hostKey)
	} else {
		c.logger.Warn("No host fingerprint configured, host key is not verified")
	}

	conn, err := c.dial(ctx, "tcp", c.addr())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.addr(), err)
	}

	session, err := c.handshake(conn, cred, hostKeyCallback)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return session, nil
}

func (c *Connector) handshake(conn net.Conn, cred credentials.Credential, hostKeyCallback ssh.HostKeyCallback) (*sftpSession, error) {
	auth, method, err := authMethod(cred)
	if err != nil {
		return nil, err
	}

	c.setDeadline(conn)
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, c.addr(), &ssh.ClientConfig{
		User:            c.cfg.Username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.cfg.ConnectTimeout,
	})
	if err != nil {
		if isHostKeyError(err) {
			return nil, fmt.Errorf("%w: %v", ErrIdentityMismatch, err)
		}
		return nil, fmt.Errorf("ssh handshake failed: %w", err)
	}
	conn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)
	sftpClient, err := sftp.NewClient(client, sftp.UseConcurrentWrites(true))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to start sftp subsystem: %w", err)
	}

	s := &sftpSession{
		ssh:           client,
		sftp:          sftpClient,
		stopKeepalive: make(chan struct{}),
	}
	if c.cfg.KeepaliveInterval > 0 {
		go c.keepalive(client, s.stopKeepalive)
	}

	c.logger.Info("SFTP session established",
		zap.String("username", c.cfg.Username),
		zap.String("auth", method),
	)
	return s, nil
}

// VerifyFingerprint runs key exchange on a throwaway connection and compares
// the server's host key against the pinned fingerprint. No credential is sent.
func (c *Connector) VerifyFingerprint(ctx context.Context) (ssh.PublicKey, error) {
	conn, err := c.dial(ctx, "tcp", c.addr())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.addr(), err)
	}
	defer conn.Close()

	var hostKey ssh.PublicKey
	c.setDeadline(conn)
	_, _, _, err = ssh.NewClientConn(conn, c.addr(), &ssh.ClientConfig{
		User: c.cfg.Username,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			hostKey = key
			return errHostKeyCaptured
		},
		Timeout: c.cfg.ConnectTimeout,
	})
	if hostKey == nil {
		return nil, fmt.Errorf("identity exchange failed: %w", err)
	}

	actual := ssh.FingerprintSHA256(hostKey)
	if !FingerprintsEqual(c.cfg.HostFingerprint, actual) {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrIdentityMismatch, c.cfg.HostFingerprint, actual)
	}

	c.logger.Debug("Host fingerprint verified", zap.String("fingerprint", actual))
	return hostKey, nil
}

func (c *Connector) setDeadline(conn net.Conn) {
	if c.cfg.ConnectTimeout > 0 {
		conn.SetDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	}
}

func (c *Connector) keepalive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.logger.Debug("Keepalive stopped", zap.Error(err))
				return
			}
		case <-stop:
			return
		}
	}
}

// FingerprintsEqual compares SHA256 fingerprints, ignoring base64 padding
// and a missing "SHA256:" prefix
func FingerprintsEqual(expected, actual string) bool {
	normalize := func(fp string) string {
		fp = strings.TrimSpace(fp)
		fp = strings.TrimPrefix(fp, "SHA256:")
		return strings.TrimRight(fp, "=")
	}
	return normalize(expected) != "" && normalize(expected) == normalize(actual)
}

func isHostKeyError(err error) bool {
	return strings.Contains(err.Error(), "host key mismatch")
}
