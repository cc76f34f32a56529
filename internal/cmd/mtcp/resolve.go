package mtcp

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) resolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve NAME...",
		Short: "Resolve host names through the configured name servers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(func(s *session) error {
				failed := 0
				for _, name := range args {
					ip, err := s.st.ResolveWait(a.ctx, name)
					if err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", name, err)
						failed++
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, ip)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d names did not resolve", failed, len(args))
				}
				return nil
			})
		},
	}
}
