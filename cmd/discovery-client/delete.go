package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

func newDeleteCommand() *cobra.Command {
	var flags rpcFlags
	cmd := &cobra.Command{
		Use:     "delete <publicKey>",
		Aliases: []string{"rm"},
		Short:   "withdraw the registration of a public key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := id.Decode(args[0])
			if err != nil {
				return err
			}
			reg, err := flags.dial()
			if err != nil {
				return err
			}
			defer reg.Close()

			ctx, cancel := flags.context(cmd)
			defer cancel()
			if err := reg.DeleteService(ctx, key); err != nil {
				return fmt.Errorf("delete service: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", key)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
