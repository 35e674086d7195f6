// Package publish uploads produced packages to a repository host over SFTP.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Target describes where packages are uploaded.
type Target struct {
	Host       string
	Port       int
	User       string
	Password   string
	PrivateKey string // inline PEM or a path to a key file
	Dir        string
}

// Enabled reports whether a host is configured.
func (t Target) Enabled() bool {
	return strings.TrimSpace(t.Host) != ""
}

// Uploader pushes files to a Target.
type Uploader struct {
	target Target
	logger *slog.Logger
}

func NewUploader(target Target, logger *slog.Logger) *Uploader {
	if target.Port == 0 {
		target.Port = 22
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{target: target, logger: logger}
}

// Upload copies every file into the target directory and returns the remote
// paths written.
func (u *Uploader) Upload(ctx context.Context, files []string) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}
	authMethods, err := buildAuthMethods(u.target)
	if err != nil {
		return nil, err
	}
	config := &ssh.ClientConfig{
		User:            u.target.User,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}

	addr := net.JoinHostPort(u.target.Host, fmt.Sprint(u.target.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("open sftp session: %w", err)
	}
	defer sftpClient.Close()

	return u.push(ctx, sftpClient, files)
}

func (u *Uploader) push(ctx context.Context, client *sftp.Client, files []string) ([]string, error) {
	dir := u.target.Dir
	if dir == "" {
		dir = "."
	}
	if err := client.MkdirAll(dir); err != nil {
		return nil, fmt.Errorf("create remote dir %s: %w", dir, err)
	}

	written := make([]string, 0, len(files))
	for _, local := range files {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		remote := path.Join(dir, filepath.Base(local))
		n, err := pushFile(client, local, remote)
		if err != nil {
			return written, fmt.Errorf("upload %s: %w", filepath.Base(local), err)
		}
		u.logger.Info("published package", "remote", remote, "size", humanize.IBytes(uint64(n)))
		written = append(written, remote)
	}
	return written, nil
}

// pushFile writes to a temporary name and renames so readers never see a
// partial package.
func pushFile(client *sftp.Client, local, remote string) (int64, error) {
	src, err := os.Open(local)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	tmp := remote + ".part"
	dst, err := client.Create(tmp)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = client.Remove(tmp)
		return n, err
	}
	if err := client.Chmod(tmp, 0o644); err != nil {
		return n, err
	}
	if err := client.PosixRename(tmp, remote); err != nil {
		// servers without the posix-rename extension
		_ = client.Remove(remote)
		if err := client.Rename(tmp, remote); err != nil {
			return n, err
		}
	}
	return n, nil
}

func buildAuthMethods(t Target) ([]ssh.AuthMethod, error) {
	authMethods := make([]ssh.AuthMethod, 0, 2)
	if key := strings.TrimSpace(t.PrivateKey); key != "" {
		data := []byte(key)
		if !strings.Contains(key, "PRIVATE KEY") {
			raw, err := os.ReadFile(expandHome(key))
			if err != nil {
				return nil, fmt.Errorf("read ssh private key: %w", err)
			}
			data = raw
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}
	if password := strings.TrimSpace(t.Password); password != "" {
		authMethods = append(authMethods, ssh.Password(password))
	}
	if len(authMethods) > 0 {
		return authMethods, nil
	}

	signer, err := defaultPrivateKeySigner()
	if err != nil {
		return nil, fmt.Errorf("no authentication method provided: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

var errNoDefaultKey = errors.New("no default private key found")

func defaultPrivateKeySigner() (ssh.Signer, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		signer, parseErr := ssh.ParsePrivateKey(data)
		if parseErr != nil {
			continue
		}
		return signer, nil
	}
	return nil, errNoDefaultKey
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
