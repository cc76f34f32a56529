package mtcp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tinyrange/mtcp/internal/netstack"
)

// escapeKey ends a raw session, as in telnet.
const escapeKey = 0x1d // ^]

type ncOptions struct {
	listen  bool
	port    uint16
	timeout time.Duration
	raw     bool
}

func (a *app) ncCommand() *cobra.Command {
	var o ncOptions
	cmd := &cobra.Command{
		Use:   "nc [HOST PORT | -l -p PORT]",
		Short: "Connect standard input and output to a TCP connection",
		Args: func(cmd *cobra.Command, args []string) error {
			if o.listen {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(func(s *session) error {
				var (
					sock *netstack.Socket
					err  error
				)
				if o.listen {
					sock, err = a.accept(s, o.port)
				} else {
					sock, err = a.dial(s, args[0], args[1], o)
				}
				if err != nil {
					return err
				}
				defer s.st.FreeSocket(sock)
				a.log.Info("connected", "conn", sock.String())

				var in io.Reader = os.Stdin
				out := cmd.OutOrStdout()
				fd := int(os.Stdin.Fd())
				if o.raw && term.IsTerminal(fd) {
					oldState, err := term.MakeRaw(fd)
					if err != nil {
						return fmt.Errorf("enable raw mode: %w", err)
					}
					defer term.Restore(fd, oldState)
					fmt.Fprint(os.Stderr, "raw mode, ^] to close\r\n")
					in = &escapeReader{r: in, esc: escapeKey}
					out = crlfWriter{out}
				} else if o.raw {
					a.log.Warn("stdin is not a terminal, ignoring --raw")
				}
				return a.pipe(s, sock, in, out)
			})
		},
	}
	flags := cmd.Flags()
	flags.BoolVarP(&o.listen, "listen", "l", false, "wait for one incoming connection")
	flags.Uint16VarP(&o.port, "port", "p", 0, "local port")
	flags.DurationVarP(&o.timeout, "timeout", "w", 10*time.Second, "connect timeout")
	flags.BoolVarP(&o.raw, "raw", "r", false, "put a terminal stdin into raw mode and send keystrokes as typed")
	return cmd
}

// escapeReader reports EOF once esc is read.
type escapeReader struct {
	r    io.Reader
	esc  byte
	done bool
}

func (e *escapeReader) Read(p []byte) (int, error) {
	if e.done {
		return 0, io.EOF
	}
	n, err := e.r.Read(p)
	if i := bytes.IndexByte(p[:n], e.esc); i >= 0 {
		e.done = true
		if i == 0 {
			return 0, io.EOF
		}
		return i, nil
	}
	return n, err
}

// crlfWriter restores the carriage returns a raw terminal no longer adds.
type crlfWriter struct{ w io.Writer }

func (c crlfWriter) Write(p []byte) (int, error) {
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (a *app) dial(s *session, host, port string, o ncOptions) (*netstack.Socket, error) {
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil || p == 0 {
		return nil, fmt.Errorf("invalid port %q", port)
	}
	dst, err := s.lookup(a.ctx, host)
	if err != nil {
		return nil, err
	}
	sock, err := s.st.GetSocket()
	if err != nil {
		return nil, err
	}
	if err := sock.Connect(a.ctx, o.port, dst, uint16(p), o.timeout); err != nil {
		s.st.FreeSocket(sock)
		return nil, fmt.Errorf("connect %s:%d: %w", dst, p, err)
	}
	return sock, nil
}

func (a *app) accept(s *session, port uint16) (*netstack.Socket, error) {
	if port == 0 {
		return nil, errors.New("listen needs --port")
	}
	l, err := s.st.GetSocket()
	if err != nil {
		return nil, err
	}
	defer s.st.FreeSocket(l)
	if err := l.Listen(port, 0); err != nil {
		return nil, err
	}
	a.log.Info("listening", "port", port)

	var sock *netstack.Socket
	for sock == nil {
		s.st.PollOnce()
		if err := a.ctx.Err(); err != nil {
			return nil, err
		}
		sock = s.st.Accept()
		time.Sleep(100 * time.Microsecond)
	}
	return sock, nil
}

// pipe copies in to sock and sock to out until both directions are closed.
// The stack stays on this goroutine; only the blocking read of in runs
// elsewhere.
func (a *app) pipe(s *session, sock *netstack.Socket, in io.Reader, out io.Writer) error {
	chunks := make(chan []byte, 4)
	go func() {
		defer close(chunks)
		for {
			buf := make([]byte, 4096)
			n, err := in.Read(buf)
			if n > 0 {
				chunks <- buf[:n]
			}
			if err != nil {
				return
			}
		}
	}()

	var (
		pending  []byte
		inputEOF bool
		buf      = make([]byte, 4096)
	)
	for {
		s.st.PollOnce()
		if err := a.ctx.Err(); err != nil {
			sock.Abort()
			return err
		}

		if len(pending) == 0 && !inputEOF {
			select {
			case c, ok := <-chunks:
				if ok {
					pending = c
				} else {
					inputEOF = true
					sock.Close()
				}
			default:
			}
		}
		if len(pending) > 0 && sock.State() != netstack.StateClosed {
			n, err := sock.Send(pending)
			switch {
			case errors.Is(err, netstack.ErrNoXmitBuffers):
			case err != nil:
				return fmt.Errorf("send: %w", err)
			}
			pending = pending[n:]
		}

		if sock.RecvDataWaiting() > 0 {
			n, err := sock.Recv(buf)
			if err != nil {
				return fmt.Errorf("recv: %w", err)
			}
			if _, err := out.Write(buf[:n]); err != nil {
				sock.Abort()
				return err
			}
			continue
		}

		if sock.IsRemoteClosed() && sock.State() == netstack.StateCloseWait && len(pending) == 0 {
			sock.Close()
		}
		if sock.IsCloseDone() {
			if r := sock.CloseReason(); r != netstack.CloseNormal {
				if err := sock.Err(); err != nil {
					return fmt.Errorf("connection closed (%s): %w", r, err)
				}
				return fmt.Errorf("connection closed (%s)", r)
			}
			return nil
		}
		time.Sleep(100 * time.Microsecond)
	}
}
