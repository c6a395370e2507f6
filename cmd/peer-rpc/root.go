package main

import (
	"time"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "peer-rpc",
		Short:         "Call functions and read attributes of peer-rpc nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := resolveLogLevel(cmd)
			return err
		},
	}
	cmd.PersistentFlags().String("log-level", "info", "Log level: debug|info|warn|error")
	cmd.PersistentFlags().Bool("debug", false, "Trace every envelope sent and received (implies --log-level debug)")
	cmd.PersistentFlags().StringSlice("etcd", nil, "etcd endpoints of the peer registry; without it peers come from --peer")
	cmd.PersistentFlags().StringArray("peer", nil, "Static peer address as id=host:port (repeatable)")
	cmd.PersistentFlags().String("codec", "json", "Envelope encoding: json|cbor")
	cmd.PersistentFlags().String("balancer", "round-robin", "Address selection: round-robin|weighted-random")
	cmd.PersistentFlags().Duration("timeout", 5*time.Second, "Per-call timeout")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newInvokeCmd())
	cmd.AddCommand(newAttrCmd())
	cmd.AddCommand(newPingCmd())
	cmd.AddCommand(newPeersCmd())
	return cmd
}
