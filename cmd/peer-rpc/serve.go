package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	var opts nodeOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a node serving the demo scope until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if opts.id == "" {
				opts.id = uuid.NewString()
			}
			sc, err := newDemoScope(opts.id)
			if err != nil {
				return err
			}
			cmd.SetContext(runCtx)
			n, err := newNodeFromCmd(cmd, sc, opts)
			if err != nil {
				return err
			}

			names := sc.Names()
			sort.Strings(names)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "peer_id: %s\nlisten: %s\n", n.ID(), n.provider.Addr())
			n.logger.Info("serving", zap.String("peer", n.ID()), zap.Strings("scope", names))

			<-runCtx.Done()
			n.logger.Info("shutting down", zap.String("peer", n.ID()))
			return n.Close()
		},
	}
	cmd.Flags().StringVar(&opts.id, "id", "", "Node id (default: random UUID)")
	cmd.Flags().StringVar(&opts.listen, "listen", ":7946", "TCP listen address")
	cmd.Flags().StringVar(&opts.advertise, "advertise", "", "Address registered for this node (default: the listen address)")
	cmd.Flags().BoolVar(&opts.logRequests, "log-requests", false, "Log every request served")
	cmd.Flags().Float64Var(&opts.rateLimit, "rate", 0, "Max requests served per second (0: unlimited)")
	cmd.Flags().IntVar(&opts.rateBurst, "burst", 10, "Burst size for --rate")
	cmd.Flags().DurationVar(&opts.serveTimeout, "serve-timeout", 0, "Answer with a timeout error when a request takes longer (0: off)")
	return cmd
}
