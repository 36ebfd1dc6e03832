package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/rpc-discovery/internal/client"
	"github.com/GriffinCanCode/rpc-discovery/internal/domain/service"
	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

func newListCommand() *cobra.Command {
	var (
		baseURL string
		limit   int
		format  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:     "list [dbKey]",
		Aliases: []string{"ls"},
		Short:   "show registered services",
		Long: `
list shows registered public keys with their health. Pass the registry's log
key as dbKey to make sure the right registry answers.`,
		Example: `  list every instance of one service:
  $ discovery-client list --service my-service`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts client.LookupOptions
			if len(args) == 1 {
				k, err := id.Decode(args[0])
				if err != nil {
					return err
				}
				opts.Expected = k
			}
			lookup, err := client.NewLookup(baseURL, opts)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if !opts.Expected.IsZero() {
				if _, err := lookup.Info(ctx); err != nil {
					return err
				}
			}

			var entries []service.Entry
			if name, _ := cmd.Flags().GetString("service"); name != "" {
				entries, err = lookup.Lookup(ctx, name, limit)
			} else {
				entries, err = lookup.List(ctx, limit)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch format {
			case "":
				fmt.Fprintln(out, "Available services:")
				for _, e := range entries {
					fmt.Fprintf(out, "  - %s %s (%s)\n", e.PublicKey, e.ServiceName, e.Health)
				}
			case "json":
				data, err := sonic.MarshalIndent(entries, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\n", data)
			default:
				return fmt.Errorf("unrecognized format: %s", format)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8000", "registry query API")
	cmd.Flags().String("service", "", "only show this service")
	cmd.Flags().IntVarP(&limit, "limit", "l", 10, "max amount of services to show")
	cmd.Flags().StringVar(&format, "format", "", "output format (json)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}
