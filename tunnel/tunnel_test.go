package tunnel

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/localrivet/gokernel/logx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestParseTarget(t *testing.T) {
	cfg, err := ParseTarget("alice@gpu-box:2222")
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.User)
	assert.Equal(t, "gpu-box", cfg.Host)
	assert.Equal(t, 2222, cfg.Port)

	cfg, err = ParseTarget("gpu-box")
	require.NoError(t, err)
	assert.Empty(t, cfg.User)
	assert.Equal(t, "gpu-box", cfg.Host)
	assert.Zero(t, cfg.Port)

	_, err = ParseTarget("alice@")
	assert.Error(t, err)
	_, err = ParseTarget("host:99999")
	assert.Error(t, err)
}

func TestDialBeforeConnect(t *testing.T) {
	tun := NewSSHTunnel(&SSHConfig{Host: "example.invalid"}, logx.Nop())
	assert.Equal(t, 22, tun.config.Port)
	assert.False(t, tun.IsAlive())

	_, err := tun.DialContext(context.Background(), "tcp", "127.0.0.1:1")
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.NoError(t, tun.Close())
}

func writeKey(t *testing.T, passphrase []byte) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	var block *pem.Block
	if passphrase == nil {
		block, err = ssh.MarshalPrivateKey(priv, "")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "", passphrase)
	}
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}

func TestBuildAuthMethods(t *testing.T) {
	plain := writeKey(t, nil)
	methods, err := BuildAuthMethods(&SSHConfig{KeyPath: plain, Password: "pw"})
	require.NoError(t, err)
	assert.Len(t, methods, 2)

	encrypted := writeKey(t, []byte("hunter2"))
	var prompted string
	methods, err = BuildAuthMethods(&SSHConfig{
		KeyPath: encrypted,
		Prompt: func(p string) ([]byte, error) {
			prompted = p
			return []byte("hunter2"), nil
		},
	})
	require.NoError(t, err)
	assert.Len(t, methods, 1)
	assert.Contains(t, prompted, encrypted)

	_, err = BuildAuthMethods(&SSHConfig{
		KeyPath: encrypted,
		Prompt:  func(string) ([]byte, error) { return []byte("wrong"), nil },
	})
	assert.Error(t, err)

	_, err = BuildAuthMethods(&SSHConfig{KeyPath: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}

// startSSHServer runs a password-authenticated SSH server that honours
// direct-tcpip forwarding requests.
func startSSHServer(t *testing.T, password string) int {
	t.Helper()
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == password {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	cfg.AddHostKey(hostSigner)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			raw, err := l.Accept()
			if err != nil {
				return
			}
			go serveSSH(raw, cfg)
		}
	}()
	return l.Addr().(*net.TCPAddr).Port
}

func serveSSH(raw net.Conn, cfg *ssh.ServerConfig) {
	conn, chans, reqs, err := ssh.NewServerConn(raw, cfg)
	if err != nil {
		raw.Close()
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "direct-tcpip" {
			nc.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		extra := nc.ExtraData()
		hostLen := binary.BigEndian.Uint32(extra[:4])
		host := string(extra[4 : 4+hostLen])
		port := binary.BigEndian.Uint32(extra[4+hostLen : 8+hostLen])

		target, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
		if err != nil {
			nc.Reject(ssh.ConnectionFailed, err.Error())
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			target.Close()
			continue
		}
		go ssh.DiscardRequests(chReqs)
		go func() {
			defer ch.Close()
			defer target.Close()
			go io.Copy(target, ch)
			io.Copy(ch, target)
		}()
	}
}

func TestSSHTunnelForwardsConnections(t *testing.T) {
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echo.Close()
	go func() {
		for {
			c, err := echo.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()

	port := startSSHServer(t, "s3cret")
	tun := NewSSHTunnel(&SSHConfig{
		User:     "kernel",
		Host:     "127.0.0.1",
		Port:     port,
		Password: "s3cret",
	}, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tun.Connect(ctx))
	assert.True(t, tun.IsAlive())

	conn, err := tun.DialContext(ctx, "tcp", echo.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping\n"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping\n", string(buf))

	require.NoError(t, tun.Close())
	assert.False(t, tun.IsAlive())
	_, err = tun.DialContext(ctx, "tcp", echo.Addr().String())
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestSSHTunnelRejectsBadPassword(t *testing.T) {
	port := startSSHServer(t, "right")
	tun := NewSSHTunnel(&SSHConfig{
		User:     "kernel",
		Host:     "127.0.0.1",
		Port:     port,
		Password: "wrong",
	}, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Error(t, tun.Connect(ctx))
	assert.False(t, tun.IsAlive())
}
