package sshconn

import (
	"context"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/pocketmux/pocketmux/schema"
)

// Shell is one PTY-backed interactive channel over the transport.
type Shell struct {
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
	cols   int
	rows   int

	closeOnce sync.Once
	done      chan struct{}
}

// OpenShell opens an interactive PTY-backed channel with the given
// geometry. It returns (nil, nil) when the connection is currently
// down: callers treat that as "try again later", since shells are
// opened opportunistically.
func (m *Manager) OpenShell(ctx context.Context, cols, rows int) (*Shell, error) {
	client := m.Client()
	if client == nil {
		return nil, nil
	}
	sess, err := client.NewSession()
	if err != nil {
		return nil, &schema.ChannelOpenError{Err: err}
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(m.cfg.Term, rows, cols, modes); err != nil {
		_ = sess.Close()
		return nil, &schema.ChannelOpenError{Err: err}
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return nil, &schema.ChannelOpenError{Err: err}
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, &schema.ChannelOpenError{Err: err}
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		_ = sess.Close()
		return nil, &schema.ChannelOpenError{Err: err}
	}
	if err := sess.Shell(); err != nil {
		_ = sess.Close()
		return nil, &schema.ChannelOpenError{Err: err}
	}

	shell := &Shell{
		sess:   sess,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		cols:   cols,
		rows:   rows,
		done:   make(chan struct{}),
	}
	go func() {
		_ = sess.Wait()
		close(shell.done)
	}()
	m.log.Debug("shell opened", "cols", cols, "rows", rows)
	return shell, nil
}

// Write sends raw bytes to the remote shell's stdin.
func (s *Shell) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

// Stdout is the remote shell's output stream.
func (s *Shell) Stdout() io.Reader { return s.stdout }

// Stderr is the remote shell's error stream.
func (s *Shell) Stderr() io.Reader { return s.stderr }

// Done is closed when the remote process exits or the channel dies.
func (s *Shell) Done() <-chan struct{} { return s.done }

// Resize updates the remote PTY geometry.
func (s *Shell) Resize(cols, rows int) error {
	s.cols, s.rows = cols, rows
	return s.sess.WindowChange(rows, cols)
}

// Close tears the channel down. Safe to call more than once.
func (s *Shell) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.stdin.Close()
		err = s.sess.Close()
	})
	return err
}
