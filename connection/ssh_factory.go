package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/scrapli/scrapligo/util"

	"github.com/charlesren/netpriv/internal/logger"
)

// SSHOpener 直接用 x/crypto/ssh 打开带 PTY 的交互式 shell
type SSHOpener struct {
	TerminalType string
}

func NewSSHOpener() *SSHOpener {
	return &SSHOpener{TerminalType: "vt100"}
}

func (o *SSHOpener) clientConfig(cfg *SessionConfig) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if cfg.PrivateKeyPath != "" {
		key, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key failed: %w", err)
		}
		var signer ssh.Signer
		if cfg.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(cfg.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key failed: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		password := cfg.Password
		auth = append(auth,
			ssh.Password(password),
			// 部分设备只开放 keyboard-interactive
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	if len(auth) == 0 {
		return nil, errors.New("no ssh auth method configured")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.StrictHostKey {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts failed: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.ConnectTimeout,
	}, nil
}

// classifyOpenError 把认证被拒、主机密钥不符的错误标记为 Permanent
func classifyOpenError(err error) error {
	if err == nil || IsPermanent(err) {
		return err
	}
	var keyErr *knownhosts.KeyError
	if errors.Is(err, util.ErrAuthError) || errors.As(err, &keyErr) {
		return Permanent(err)
	}
	// scrapligo standard transport 不包装 x/crypto/ssh 的错误，只能按文本判断
	msg := err.Error()
	for _, marker := range []string{"unable to authenticate", "no supported methods remain", "knownhosts: key mismatch", "knownhosts: key is unknown", "knownhosts: key is revoked"} {
		if strings.Contains(msg, marker) {
			return Permanent(err)
		}
	}
	return err
}

// Open 拨号、握手并启动 shell，握手受 ctx 截止时间约束
func (o *SSHOpener) Open(ctx context.Context, cfg *SessionConfig) (Channel, error) {
	clientCfg, err := o.clientConfig(cfg)
	if err != nil {
		return nil, err
	}

	addr := cfg.Address()
	logger.Debugf("ssh", "dialing %s as %s", addr, cfg.Username)

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s failed: %w", addr, err)
	}

	deadline := time.Now().Add(cfg.ConnectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, classifyOpenError(fmt.Errorf("ssh handshake with %s failed: %w", addr, err))
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(sshConn, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create ssh session failed: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 38400,
		ssh.TTY_OP_OSPEED: 38400,
	}
	term := o.TerminalType
	if term == "" {
		term = "vt100"
	}
	if err := session.RequestPty(term, cfg.TermHeight, cfg.TermWidth, modes); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("request pty failed: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("open stdin failed: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("open stdout failed: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("start shell failed: %w", err)
	}

	logger.Infof("ssh", "interactive shell on %s started", addr)

	ch := NewStreamChannel(addr, stdout, stdin, &sshCloser{session: session, client: client})
	ch.SetReturnChar(cfg.ReturnChar)
	ch.SetSearchDepth(cfg.PromptSearchDepth)
	return ch, nil
}

type sshCloser struct {
	session *ssh.Session
	client  *ssh.Client
}

func (c *sshCloser) Close() error {
	_ = c.session.Close()
	return c.client.Close()
}
