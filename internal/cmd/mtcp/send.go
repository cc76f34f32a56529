package mtcp

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/tinyrange/mtcp/internal/netstack"
)

func (a *app) sendCommand() *cobra.Command {
	var o ncOptions
	var quiet bool
	cmd := &cobra.Command{
		Use:   "send HOST PORT FILE",
		Short: "Send a file over TCP and wait for the close",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[2])
			if err != nil {
				return err
			}
			defer f.Close()
			fi, err := f.Stat()
			if err != nil {
				return err
			}

			return a.withSession(func(s *session) error {
				sock, err := a.dial(s, args[0], args[1], o)
				if err != nil {
					return err
				}
				defer s.st.FreeSocket(sock)

				var progress io.Writer = io.Discard
				if !quiet {
					pb := progressbar.DefaultBytes(fi.Size(), "sending "+filepath.Base(args[2]))
					defer pb.Close()
					progress = pb
				}

				start := time.Now()
				n, err := a.sendFile(s, sock, f, progress)
				if err != nil {
					sock.Abort()
					return err
				}
				if err := sock.CloseWait(a.ctx, o.timeout); err != nil {
					return fmt.Errorf("close: %w", err)
				}
				elapsed := time.Since(start)
				a.log.Info("sent",
					"bytes", n,
					"elapsed", elapsed.Round(time.Millisecond),
					"retransmits", s.st.Stats().TCP.Retransmits,
				)
				return nil
			})
		},
	}
	flags := cmd.Flags()
	flags.Uint16VarP(&o.port, "port", "p", 0, "local port")
	flags.DurationVarP(&o.timeout, "timeout", "w", 10*time.Second, "connect and close timeout")
	flags.BoolVarP(&quiet, "quiet", "q", false, "no progress bar")
	return cmd
}

// sendFile queues r on sock as transmit buffers free up.
func (a *app) sendFile(s *session, sock *netstack.Socket, r io.Reader, progress io.Writer) (int64, error) {
	buf := make([]byte, 16*1024)
	var total int64
	for {
		n, rerr := r.Read(buf)
		chunk := buf[:n]
		for len(chunk) > 0 {
			if err := a.ctx.Err(); err != nil {
				return total, err
			}
			m, err := sock.Send(chunk)
			switch {
			case errors.Is(err, netstack.ErrNoXmitBuffers):
				s.st.PollOnce()
				time.Sleep(100 * time.Microsecond)
				continue
			case err != nil:
				return total, fmt.Errorf("send: %w", err)
			}
			_, _ = progress.Write(chunk[:m])
			chunk = chunk[m:]
			total += int64(m)
			s.st.PollOnce()
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}
