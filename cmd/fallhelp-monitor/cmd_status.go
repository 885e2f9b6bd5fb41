package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fallhelp/monitor/internal/config"
	"github.com/fallhelp/monitor/internal/httpapi"
)

// newStatusCmd creates the "status" subcommand.
func newStatusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the connection state of a running monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := config.LoadDefault()
				if err != nil {
					return err
				}
				addr = cfg.StatusAddr
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
			defer cancel()

			st, err := httpapi.FetchStatus(ctx, nil, addr)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "state:       %s\n", st.State)
			if st.Identity != nil {
				fmt.Fprintf(out, "identity:    %s\n", st.Identity)
			}
			if st.SessionID != "" {
				fmt.Fprintf(out, "session:     %s\n", st.SessionID)
			}
			if st.LastSignal != nil {
				fmt.Fprintf(out, "last signal: %s ago\n", st.ServerTime.Sub(*st.LastSignal).Round(time.Second))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "status endpoint address (default from config)")
	return cmd
}
