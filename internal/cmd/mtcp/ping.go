package mtcp

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/tinyrange/mtcp/internal/netstack"
)

type pingOptions struct {
	count    int
	interval time.Duration
	timeout  time.Duration
	size     int
}

func (a *app) pingCommand() *cobra.Command {
	var o pingOptions
	cmd := &cobra.Command{
		Use:   "ping HOST",
		Short: "Send ICMP echo requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(func(s *session) error {
				return a.ping(cmd, s, args[0], o)
			})
		},
	}
	flags := cmd.Flags()
	flags.IntVarP(&o.count, "count", "n", 4, "number of requests")
	flags.DurationVar(&o.interval, "interval", time.Second, "time between requests")
	flags.DurationVar(&o.timeout, "timeout", time.Second, "time to wait for each reply")
	flags.IntVarP(&o.size, "size", "s", 32, "payload bytes")
	return cmd
}

type echoReply struct {
	from netstack.IPAddr
	ttl  uint8
	seq  int
	size int
}

func (a *app) ping(cmd *cobra.Command, s *session, host string, o pingOptions) error {
	out := cmd.OutOrStdout()
	dst, err := s.lookup(a.ctx, host)
	if err != nil {
		return err
	}
	ident := uint16(os.Getpid())

	var replies []echoReply
	s.st.SetICMPHandler(func(src netstack.IPAddr, ttl uint8, msg []byte) {
		m, err := icmp.ParseMessage(1, msg)
		if err != nil || m.Type != ipv4.ICMPTypeEchoReply {
			return
		}
		echo, ok := m.Body.(*icmp.Echo)
		if !ok || echo.ID != int(ident) {
			return
		}
		replies = append(replies, echoReply{from: src, ttl: ttl, seq: echo.Seq, size: len(echo.Data)})
	})
	defer s.st.SetICMPHandler(nil)

	payload := make([]byte, o.size)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}

	fmt.Fprintf(out, "PING %s (%s): %d data bytes\n", host, dst, o.size)
	received := 0
	for seq := 1; seq <= o.count; seq++ {
		if seq > 1 {
			wait := time.Now().Add(o.interval)
			if err := s.pollUntil(a.ctx, o.interval, func() bool { return time.Now().After(wait) }); err != nil &&
				!errors.Is(err, netstack.ErrTimeout) {
				return err
			}
		}

		replies = replies[:0]
		start := time.Now()
		var sendErr error
		err := s.pollUntil(a.ctx, o.timeout, func() bool {
			sendErr = s.st.SendEchoRequest(dst, ident, uint16(seq), payload)
			return !errors.Is(sendErr, netstack.ErrArpPending)
		})
		switch {
		case errors.Is(err, netstack.ErrTimeout):
			fmt.Fprintf(out, "%s: address resolution timed out\n", dst)
			continue
		case err != nil:
			return err
		case sendErr != nil:
			return fmt.Errorf("send echo request: %w", sendErr)
		}

		err = s.pollUntil(a.ctx, o.timeout, func() bool {
			for _, r := range replies {
				if r.seq == seq {
					return true
				}
			}
			return false
		})
		switch {
		case errors.Is(err, netstack.ErrTimeout):
			fmt.Fprintf(out, "request timeout for seq %d\n", seq)
		case err != nil:
			return err
		default:
			r := replies[len(replies)-1]
			received++
			fmt.Fprintf(out, "%d bytes from %s: seq=%d ttl=%d time=%s\n",
				r.size+8, r.from, r.seq, r.ttl, time.Since(start).Round(time.Microsecond))
		}
	}

	fmt.Fprintf(out, "--- %s ping statistics ---\n", host)
	fmt.Fprintf(out, "%d packets transmitted, %d received\n", o.count, received)
	if received == 0 {
		return fmt.Errorf("%s is unreachable", host)
	}
	return nil
}
