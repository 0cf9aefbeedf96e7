// This file is part of Hotpatch project, available at https://github.com/qrdl/hotpatch
// Copyright (c) 2024 Ilya Caramishev. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at https://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transmit delivers patch payloads to the device running the target process.
package transmit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/qrdl/hotpatch/internal/logging"
)

const (
	defaultPort    = 22
	defaultTimeout = 5 * time.Second
	payloadMode    = 0o755
)

// Credentials identify the device and the account used to write files there.
type Credentials struct {
	Host     string
	Port     int
	User     string
	Password string
	// KeyFile is private key, used instead of password when set.
	KeyFile string
	// KnownHosts file verifies host key, any key is accepted when empty.
	KnownHosts string
}

// Deliverer writes file to the device.
type Deliverer interface {
	Deliver(ctx context.Context, data []byte, dest string, creds Credentials) error
}

// SFTP delivers files over SSH file transfer protocol.
type SFTP struct {
	logger  zerolog.Logger
	timeout time.Duration
}

// NewSFTP creates SFTP deliverer, zero timeout means default.
func NewSFTP(logger zerolog.Logger, timeout time.Duration) *SFTP {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &SFTP{logger: logger, timeout: timeout}
}

// Deliver uploads data as executable file at dest, creating missing directories.
func (s *SFTP) Deliver(ctx context.Context, data []byte, dest string, creds Credentials) error {
	client, err := s.connect(ctx, creds)
	if err != nil {
		return err
	}
	defer logging.DeferClose(s.logger, client, "failed to close SSH connection")

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("failed to create SFTP client: %w", err)
	}
	defer logging.DeferClose(s.logger, sftpClient, "failed to close SFTP client")

	if err := upload(sftpClient, data, dest); err != nil {
		return err
	}
	s.logger.Info().Str("host", creds.Host).Str("dest", dest).Int("size", len(data)).Msg("File delivered")
	return nil
}

func (s *SFTP) connect(ctx context.Context, creds Credentials) (*ssh.Client, error) {
	auth, err := authMethod(creds)
	if err != nil {
		return nil, err
	}
	hostKey, err := s.hostKeyCallback(creds)
	if err != nil {
		return nil, err
	}
	config := &ssh.ClientConfig{
		User:            creds.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKey,
		Timeout:         s.timeout,
	}

	port := creds.Port
	if port == 0 {
		port = defaultPort
	}
	addr := net.JoinHostPort(creds.Host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("SSH handshake with %s failed: %w", addr, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func (s *SFTP) hostKeyCallback(creds Credentials) (ssh.HostKeyCallback, error) {
	if creds.KnownHosts == "" {
		s.logger.Warn().Str("host", creds.Host).Msg("Host key is not verified")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	callback, err := knownhosts.New(creds.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts: %w", err)
	}
	return callback, nil
}

func authMethod(creds Credentials) (ssh.AuthMethod, error) {
	if creds.KeyFile != "" {
		key, err := os.ReadFile(creds.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	}
	if creds.Password != "" {
		return ssh.Password(creds.Password), nil
	}
	return nil, errors.New("neither password nor private key is set")
}

func upload(client *sftp.Client, data []byte, dest string) error {
	if err := client.MkdirAll(path.Dir(dest)); err != nil {
		return fmt.Errorf("failed to create remote directory for %s: %w", dest, err)
	}
	remoteFile, err := client.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", dest, err)
	}
	if _, err := remoteFile.ReadFrom(bytes.NewReader(data)); err != nil {
		_ = remoteFile.Close()
		return fmt.Errorf("failed to upload %s: %w", dest, err)
	}
	if err := remoteFile.Close(); err != nil {
		return fmt.Errorf("failed to upload %s: %w", dest, err)
	}
	if err := client.Chmod(dest, os.FileMode(payloadMode)); err != nil {
		return fmt.Errorf("failed to set permissions of %s: %w", dest, err)
	}
	return nil
}

// Local delivers files to this machine, for targets running next to hotpatch.
type Local struct{}

// Deliver writes data as executable file at dest, creds are ignored.
func (Local) Deliver(_ context.Context, data []byte, dest string, _ Credentials) error {
	if err := os.MkdirAll(path.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dest, err)
	}
	if err := os.WriteFile(dest, data, payloadMode); err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	// umask may have dropped execute bits
	return os.Chmod(dest, payloadMode)
}
