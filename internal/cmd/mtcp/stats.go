package mtcp

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/mtcp/internal/netstack"
)

func (a *app) statsCommand() *cobra.Command {
	var (
		duration time.Duration
		format   string
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Run the stack, answering ARP and ping, then print its counters",
		Long: "Run the stack until interrupted or --for passes, then print every counter.\n" +
			"Combine with --debug-http to watch /status and /metrics while it runs.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "yaml" {
				return fmt.Errorf("unknown format %q", format)
			}
			return a.withSession(func(s *session) error {
				var end time.Time
				if duration > 0 {
					end = time.Now().Add(duration)
				}
				for a.ctx.Err() == nil && (end.IsZero() || time.Now().Before(end)) {
					s.st.PollOnce()
					time.Sleep(200 * time.Microsecond)
				}
				return writeStats(cmd.OutOrStdout(), format, s.st.Stats())
			})
		},
	}
	flags := cmd.Flags()
	flags.DurationVar(&duration, "for", 0, "stop after this long (0 runs until interrupted)")
	flags.StringVarP(&format, "format", "o", "json", "output format: json or yaml")
	return cmd
}

func writeStats(w io.Writer, format string, st netstack.Stats) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(st)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}
