package sshadapter

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// Dial opens an authenticated SSH client connection to host:port,
// optionally routed through dialer. It is shared by the SSH adapter's
// own PTY session and by callers that need a bare *ssh.Client to layer
// an SFTP subsystem on top of (the SFTP adapter's constructor takes
// exactly this).
func Dial(host string, port int, username, password string, dialer Dialer) (*ssh.Client, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	clientCfg := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	var conn net.Conn
	var err error
	if dialer != nil {
		conn, err = dialer.Dial("tcp", addr)
	} else {
		conn, err = net.DialTimeout("tcp", addr, clientCfg.Timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		if isAuthError(err) {
			return nil, ErrNeedsPassword
		}
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}
