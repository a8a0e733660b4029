package remote

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lmtoy/pipeline-web/command"
	"github.com/lmtoy/pipeline-web/config"
	"github.com/lmtoy/pipeline-web/errors"
	"github.com/lmtoy/pipeline-web/logging"
	"github.com/lmtoy/pipeline-web/pkg/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

const dialTimeout = 15 * time.Second

// SSHRunner runs each command over a fresh SSH connection.
type SSHRunner struct {
	addr    string
	client  *ssh.ClientConfig
	timeout time.Duration
	logger  *logrus.Entry
}

// NewSSHRunner builds the client configuration: keys from key_file and the
// running agent, host keys from known_hosts unless checking is disabled.
func NewSSHRunner(cfg config.SSHConfig, timeout time.Duration) (*SSHRunner, error) {
	if cfg.Username == "" {
		return nil, errors.New(errors.ErrCodeConfigValidation, "ssh.username is required when ssh.hostname is set")
	}

	auth, err := authMethods(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	hostKey, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	if timeout <= 0 {
		timeout = command.DefaultTimeout
	}
	return &SSHRunner{
		addr: net.JoinHostPort(cfg.Hostname, strconv.Itoa(port)),
		client: &ssh.ClientConfig{
			User:            cfg.Username,
			Auth:            auth,
			HostKeyCallback: hostKey,
			Timeout:         dialTimeout,
		},
		timeout: timeout,
		logger:  logging.NewLogger("remote"),
	}, nil
}

// NewSSHRunnerWithClientConfig is used when the caller assembles auth itself.
func NewSSHRunnerWithClientConfig(addr string, client *ssh.ClientConfig, timeout time.Duration) *SSHRunner {
	return &SSHRunner{addr: addr, client: client, timeout: timeout, logger: logging.NewLogger("remote")}
}

func authMethods(keyFile string) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if keyFile != "" {
		data, err := os.ReadFile(expandHome(keyFile))
		if err != nil {
			return nil, errors.IOError("read", keyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "parsing ssh.key_file")
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		methods = append(methods, ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				return nil, err
			}
			defer conn.Close()
			return agent.NewClient(conn).Signers()
		}))
	}
	if len(methods) == 0 {
		return nil, errors.New(errors.ErrCodeConfigValidation, "no ssh credentials: set ssh.key_file or run an ssh agent")
	}
	return methods, nil
}

func hostKeyCallback(cfg config.SSHConfig) (ssh.HostKeyCallback, error) {
	if cfg.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // explicit opt-in
	}
	path := cfg.KnownHosts
	if path == "" {
		path = "~/.ssh/known_hosts"
	}
	cb, err := knownhosts.New(expandHome(path))
	if err != nil {
		return nil, errors.IOError("read", path, err)
	}
	return cb, nil
}

func expandHome(path string) string {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return path
}

// Host implements Runner.
func (r *SSHRunner) Host() string { return r.addr }

// Run implements Runner. When ctx ends or the deadline passes the remote
// process is sent SIGTERM and the connection is closed.
func (r *SSHRunner) Run(ctx context.Context, cmdline string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	client, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, errors.RemoteError(r.addr, "", err)
	}
	defer session.Close()

	stdout := command.NewBoundedBuffer(command.MaxOutputBytes)
	stderr := command.NewBoundedBuffer(command.MaxOutputBytes)
	session.Stdout = stdout
	session.Stderr = stderr

	if err := session.Start(cmdline); err != nil {
		return nil, errors.RemoteError(r.addr, "", err)
	}
	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = client.Close()
		<-done
		res := r.result(cmdline, start, stdout, stderr)
		res.ExitCode = command.ExitCodeTimeout
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return res, errors.Timeout(cmdline, r.timeout.String())
		}
		return res, errors.Wrap(ctx.Err(), errors.ErrCodeRemoteError, "remote command cancelled")
	}

	res := r.result(cmdline, start, stdout, stderr)
	if waitErr != nil {
		var exitErr *ssh.ExitError
		var missing *ssh.ExitMissingError
		switch {
		case stderrors.As(waitErr, &exitErr):
			res.ExitCode = exitErr.ExitStatus()
		case stderrors.As(waitErr, &missing):
			res.ExitCode = -1
		default:
			return res, errors.RemoteError(r.addr, res.Stderr, waitErr)
		}
	}
	r.logger.WithFields(logrus.Fields{
		"host":      r.addr,
		"command":   cmdline,
		"exit_code": res.ExitCode,
		"duration":  res.Duration,
	}).Debug("Remote command finished")
	return res, nil
}

func (r *SSHRunner) result(cmdline string, start time.Time, stdout, stderr *command.BoundedBuffer) *Result {
	d := time.Since(start)
	metrics.ObserveRemote(verb(cmdline), d)
	return &Result{
		Host:      r.addr,
		Command:   cmdline,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
		Duration:  d,
	}
}

func (r *SSHRunner) dial(ctx context.Context) (*ssh.Client, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return nil, errors.RemoteError(r.addr, "", fmt.Errorf("dial: %w", err))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, r.addr, r.client)
	if err != nil {
		conn.Close()
		return nil, errors.RemoteError(r.addr, "", fmt.Errorf("handshake: %w", err))
	}
	// The handshake deadline must not cut the session short; Run enforces
	// the command deadline itself.
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// verb labels a command line for metrics by its program name.
func verb(cmdline string) string {
	for _, f := range strings.Fields(cmdline) {
		if strings.Contains(f, "=") || f == "export" || f == "nohup" || f == "&&" || f == ";" {
			continue
		}
		return filepath.Base(strings.Trim(f, `'"`))
	}
	return "unknown"
}
