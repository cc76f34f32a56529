// Package mtcp implements the mtcp command line: a handful of network tools
// that run the stack over a raw host interface.
package mtcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tinyrange/mtcp/internal/config"
	"github.com/tinyrange/mtcp/internal/link"
	"github.com/tinyrange/mtcp/internal/netstack"
	"github.com/tinyrange/mtcp/internal/trace"
)

const version = "v0.3.0"

type options struct {
	config    string
	iface     string
	debugHTTP string
	trace     string
	traceMask string
	pcap      string
	verbose   bool
}

type app struct {
	ctx   context.Context
	opts  options
	level slog.LevelVar
	log   *slog.Logger
}

// NewCommand builds the root command. ctx is cancelled on interrupt.
func NewCommand(ctx context.Context) *cobra.Command {
	a := &app{ctx: ctx}
	a.log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &a.level}))

	cmd := &cobra.Command{
		Use:               "mtcp",
		Short:             "TCP/IP tools over a raw Ethernet interface",
		SilenceUsage:      true,
		PersistentPreRunE: a.preRun,
	}
	cmd.Version = version

	flags := cmd.PersistentFlags()
	defaultConfig, _ := config.Path()
	flags.StringVarP(&a.opts.config, "config", "c", defaultConfig, "configuration file (defaults to $"+config.EnvVar+")")
	flags.StringVarP(&a.opts.iface, "interface", "i", "", "host interface, overrides INTERFACE")
	flags.StringVar(&a.opts.debugHTTP, "debug-http", "", "serve /status and /metrics on this address")
	flags.StringVar(&a.opts.trace, "trace", "", "write a trace log to this file")
	flags.StringVar(&a.opts.traceMask, "trace-mask", "all", "trace categories, e.g. arp,tcp or 0x3f")
	flags.StringVar(&a.opts.pcap, "pcap", "", "capture every frame to this pcap file")
	flags.BoolVarP(&a.opts.verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(
		a.resolveCommand(),
		a.pingCommand(),
		a.ncCommand(),
		a.sendCommand(),
		a.statsCommand(),
		a.traceCommand(),
	)
	return cmd
}

func (a *app) preRun(cmd *cobra.Command, args []string) error {
	if a.opts.verbose {
		a.level.Set(slog.LevelDebug)
	}
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		a.log.Debug("flag", "name", f.Name, "value", f.Value.String())
	})
	return nil
}

// session is a running stack and everything opened to support it.
type session struct {
	st      *netstack.Stack
	bundle  *config.Bundle
	driver  *link.RawSocket
	tracer  *trace.Tracer
	capture *os.File
}

func (a *app) open() (*session, error) {
	if a.opts.config == "" {
		return nil, config.ErrNoPath
	}
	b, err := config.Load(a.opts.config)
	if err != nil {
		return nil, err
	}
	if a.opts.iface != "" {
		b.Interface = a.opts.iface
	}
	if a.opts.debugHTTP != "" {
		b.DebugHTTP = a.opts.debugHTTP
	}
	if a.opts.trace != "" {
		b.Trace = a.opts.trace
	}
	if b.Interface == "" {
		return nil, errors.New("no interface: set INTERFACE or pass --interface")
	}

	s := &session{bundle: b}
	ok := false
	defer func() {
		if !ok {
			s.close()
		}
	}()

	if s.driver, err = link.OpenRawSocket(b.Interface); err != nil {
		return nil, err
	}
	vecs := link.NewVectors()
	if err := vecs.Install(b.Config.PacketInt, s.driver); err != nil {
		return nil, err
	}

	if b.Trace != "" {
		mask, err := trace.ParseMask(a.opts.traceMask)
		if err != nil {
			return nil, err
		}
		if s.tracer, err = trace.OpenFile(b.Trace, mask, false); err != nil {
			return nil, err
		}
	}

	if s.st, err = netstack.New(b.Config, vecs, netstack.Options{
		Logger: a.log,
		Tracer: s.tracer,
	}); err != nil {
		return nil, err
	}

	if a.opts.pcap != "" {
		if s.capture, err = os.Create(a.opts.pcap); err != nil {
			return nil, fmt.Errorf("create capture: %w", err)
		}
		if err := s.st.Interface().OpenCapture(s.capture); err != nil {
			return nil, err
		}
	}
	if b.DebugHTTP != "" {
		if err := s.st.EnableDebugHTTP(b.DebugHTTP); err != nil {
			return nil, err
		}
		a.log.Info("debug http listening", "addr", s.st.DebugHTTPAddr())
	}

	a.log.Debug("stack up",
		"interface", b.Interface,
		"ip", s.st.Config().IP,
		"mac", s.st.MAC(),
		"mtu", s.st.Config().MTU,
	)
	ok = true
	return s, nil
}

func (s *session) close() error {
	var errs []error
	if s.st != nil {
		errs = append(errs, s.st.Close())
	}
	if s.driver != nil {
		errs = append(errs, s.driver.Close())
	}
	if s.tracer != nil {
		errs = append(errs, s.tracer.Close())
	}
	if s.capture != nil {
		errs = append(errs, s.capture.Close())
	}
	return errors.Join(errs...)
}

// pollUntil drives the stack until cond holds, ctx ends or timeout passes.
func (s *session) pollUntil(ctx context.Context, timeout time.Duration, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	for {
		s.st.PollOnce()
		if cond() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return netstack.ErrTimeout
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// lookup turns a dotted quad or a host name into an address.
func (s *session) lookup(ctx context.Context, host string) (netstack.IPAddr, error) {
	if ip, err := netstack.ParseIP(host); err == nil {
		return ip, nil
	}
	ip, err := s.st.ResolveWait(ctx, host)
	if err != nil {
		return netstack.IPAddr{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	return ip, nil
}

// withSession opens a session for the duration of fn.
func (a *app) withSession(fn func(s *session) error) error {
	s, err := a.open()
	if err != nil {
		return err
	}
	err = fn(s)
	if cerr := s.close(); cerr != nil {
		a.log.Warn("shutdown", "error", cerr)
	}
	return err
}
