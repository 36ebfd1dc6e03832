package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

func newIdentityCommand() *cobra.Command {
	var generate bool
	cmd := &cobra.Command{
		Use:   "identity [seed]",
		Short: "print the public key of an access seed",
		Long: `
identity derives the public key a seed presents to the registry. Add that key
to the registry's allowed keys to grant the seed access. With --new a fresh
seed is generated first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var seed string
			switch {
			case generate:
				raw, err := id.NewSeed()
				if err != nil {
					return err
				}
				seed = hex.EncodeToString(raw)
				fmt.Fprintf(out, "seed: %s\n", seed)
			case len(args) == 1:
				seed = args[0]
			default:
				seed = os.Getenv(SeedEnv)
			}
			if seed == "" {
				return fmt.Errorf("no seed given and $%s is empty", SeedEnv)
			}

			kp, err := id.DecodeSeed(seed)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "public key: %s\n", kp.Public)
			return nil
		},
	}
	cmd.Flags().BoolVar(&generate, "new", false, "generate a new seed")
	return cmd
}
