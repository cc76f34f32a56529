package mtcp

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyrange/mtcp/internal/trace"
)

type traceOptions struct {
	mask  string
	limit int
	raw   bool
	list  bool
	since time.Duration
}

func (a *app) traceCommand() *cobra.Command {
	var o traceOptions
	cmd := &cobra.Command{
		Use:   "trace FILE",
		Short: "Print a trace log written with --trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rd, closer, err := trace.NewReaderFromFile(args[0])
			if err != nil {
				return err
			}
			defer closer.Close()
			return printTrace(cmd.OutOrStdout(), rd, o)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&o.mask, "category", "C", "all", "categories to print")
	flags.IntVarP(&o.limit, "limit", "n", 0, "stop after this many records (0 for all)")
	flags.BoolVar(&o.raw, "raw", false, "hex dump the raw frame records")
	flags.BoolVar(&o.list, "list", false, "list the categories present and their record counts")
	flags.DurationVar(&o.since, "since", 0, "only records this long before the last one")
	return cmd
}

func printTrace(w io.Writer, rd *trace.Reader, o traceOptions) error {
	if o.list {
		present := rd.Categories()
		for c := trace.Category(1); c != 0 && c <= trace.All; c <<= 1 {
			if present&c != 0 {
				fmt.Fprintf(w, "%-8s %d\n", c, rd.Count(trace.SearchOptions{Mask: c}))
			}
		}
		return nil
	}

	mask, err := trace.ParseMask(o.mask)
	if err != nil {
		return err
	}
	opts := trace.SearchOptions{Mask: mask, Limit: o.limit}
	if o.since > 0 {
		var last time.Time
		if err := rd.Each(func(r trace.Record) error {
			last = r.Time
			return nil
		}); err != nil {
			return err
		}
		opts.Start = last.Add(-o.since)
	}

	return rd.Search(opts, func(r trace.Record) error {
		ts := r.Time.UTC().Format(time.RFC3339Nano)
		switch r.Kind {
		case trace.KindText:
			fmt.Fprintf(w, "%s [%s] %s\n", ts, r.Category, r.Data)
		case trace.KindBytes:
			fmt.Fprintf(w, "%s [%s] frame, %d bytes\n", ts, r.Category, len(r.Data))
			if o.raw {
				for _, line := range strings.SplitAfter(strings.TrimRight(hex.Dump(r.Data), "\n"), "\n") {
					fmt.Fprintf(w, "    %s", line)
				}
				fmt.Fprintln(w)
			}
		default:
			fmt.Fprintf(w, "%s [%s] kind %d, %d bytes\n", ts, r.Category, r.Kind, len(r.Data))
		}
		return nil
	})
}
