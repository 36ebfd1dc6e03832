package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

func newPutCommand() *cobra.Command {
	var flags rpcFlags
	cmd := &cobra.Command{
		Use:   "put <publicKey> <service>",
		Short: "register a public key under a service name",
		Example: `  register a server:
  $ discovery-client put 3b6a...e1 my-service --seed $SEED`,
		Args: cobra.ExactArgs(2),
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
			if err := reg.PutService(ctx, key, args[1]); err != nil {
				return fmt.Errorf("put service: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s as %s\n", key, args[1])
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
