package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

type SFTPConfig struct {
	Addr     string // host:port
	Username string
	Password string
	// KeyFile, when set, takes precedence over Password.
	KeyFile string
	// KnownHostsCheck disabled means InsecureIgnoreHostKey; fine for
	// ephemeral test infrastructure, never for anything else.
	InsecureIgnoreHostKey bool
}

type SFTPTransferer struct {
	cfg SFTPConfig
	log *zap.Logger

	mu     sync.Mutex
	conn   *ssh.Client
	client *sftp.Client
}

func NewSFTP(cfg SFTPConfig, log *zap.Logger) (*SFTPTransferer, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("sftp.addr is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SFTPTransferer{cfg: cfg, log: log.Named("sftp")}, nil
}

func (t *SFTPTransferer) connect() (*sftp.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return t.client, nil
	}
	auth, err := t.authMethods()
	if err != nil {
		return nil, err
	}
	sshCfg := &ssh.ClientConfig{
		User: t.cfg.Username,
		Auth: auth,
	}
	if t.cfg.InsecureIgnoreHostKey {
		sshCfg.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		return nil, fmt.Errorf("sftp %s: host key verification needs a known_hosts source or insecure_ignore_host_key", t.cfg.Addr)
	}
	conn, err := ssh.Dial("tcp", t.cfg.Addr, sshCfg)
	if err != nil {
		return nil, fmt.Errorf("dial sftp %s: %w", t.cfg.Addr, err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open sftp session: %w", err)
	}
	t.conn, t.client = conn, client
	return client, nil
}

func (t *SFTPTransferer) authMethods() ([]ssh.AuthMethod, error) {
	if t.cfg.KeyFile != "" {
		pem, err := os.ReadFile(t.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read sftp key_file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse sftp key_file: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return []ssh.AuthMethod{ssh.Password(t.cfg.Password)}, nil
}

func (t *SFTPTransferer) Upload(ctx context.Context, localPath string, remote RemoteRef) error {
	if err := checkBackend(remote, BackendSFTP); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := t.connect()
	if err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()
	if err := client.MkdirAll(path.Dir(remote.Path)); err != nil {
		return fmt.Errorf("mkdir remote %s: %w", path.Dir(remote.Path), err)
	}
	dst, err := client.Create(remote.Path)
	if err != nil {
		return fmt.Errorf("create remote %s: %w", remote, err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("write remote %s: %w", remote, err)
	}
	t.log.Debug("uploaded", zap.String("local", localPath), zap.String("remote", remote.String()))
	return nil
}

func (t *SFTPTransferer) Download(ctx context.Context, remote RemoteRef, localPath string) error {
	if err := checkBackend(remote, BackendSFTP); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := t.connect()
	if err != nil {
		return err
	}
	src, err := client.Open(remote.Path)
	if err != nil {
		return fmt.Errorf("open remote %s: %w", remote, err)
	}
	defer src.Close()
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", localPath, err)
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("write %s: %w", localPath, err)
	}
	return nil
}

func (t *SFTPTransferer) List(ctx context.Context, remote RemoteRef) ([]Entry, error) {
	if err := checkBackend(remote, BackendSFTP); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, err := t.connect()
	if err != nil {
		return nil, err
	}
	infos, err := client.ReadDir(remote.Path)
	if err != nil {
		return nil, fmt.Errorf("list remote %s: %w", remote, err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, Entry{Path: path.Join(remote.Path, info.Name()), Size: info.Size()})
	}
	return entries, nil
}

// Close tears the SSH session down; safe to call repeatedly.
func (t *SFTPTransferer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var err error
	if t.client != nil {
		err = t.client.Close()
		t.client = nil
	}
	if t.conn != nil {
		if cerr := t.conn.Close(); err == nil {
			err = cerr
		}
		t.conn = nil
	}
	return err
}
