package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newPeersCmd() *cobra.Command {
	var watchID string
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List registered peers, or watch the addresses of one peer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := loggerFromCmd(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			reg, err := registryFromCmd(cmd, logger)
			if err != nil {
				return err
			}
			defer reg.Close()

			if watchID != "" {
				watchCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				for insts := range reg.Watch(watchCtx, watchID) {
					if outputJSON {
						if err := writeJSON(cmd.OutOrStdout(), insts); err != nil {
							return err
						}
						continue
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d address(es)\n", watchID, len(insts))
					for _, inst := range insts {
						_, _ = fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", inst.Addr)
					}
				}
				return nil
			}

			insts, err := reg.List(cmd.Context())
			if err != nil {
				return err
			}
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), insts)
			}
			for _, inst := range insts {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", inst.PeerID, inst.Addr)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&watchID, "watch", "", "Watch the addresses of this peer id until interrupted")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}
