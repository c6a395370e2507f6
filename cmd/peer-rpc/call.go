package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newInvokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoke <peer_id> <func> [args...]",
		Short: "Invoke a function of a peer's scope; arguments are JSON values",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := newNodeFromCmd(cmd, nil, nodeOptions{})
			if err != nil {
				return err
			}
			defer n.Close()
			result, err := n.Invoke(cmd.Context(), args[0], args[1], parseArgs(args[2:]))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	return cmd
}

func newAttrCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attr <peer_id> <name>",
		Short: "Read an attribute of a peer's scope",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := newNodeFromCmd(cmd, nil, nodeOptions{})
			if err != nil {
				return err
			}
			defer n.Close()
			value, err := n.Attr(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), value)
		},
	}
	return cmd
}

func newPingCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "ping <peer_id>",
		Short: "Check whether a peer answers within the timeout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := newNodeFromCmd(cmd, nil, nodeOptions{})
			if err != nil {
				return err
			}
			defer n.Close()
			alive, err := n.Ping(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"peer_id": args[0], "alive": alive})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "peer_id: %s\nalive: %v\n", args[0], alive)
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}
