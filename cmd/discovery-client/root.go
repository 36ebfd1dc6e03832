package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/rpc-discovery/internal/client"
	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

// SeedEnv supplies the access seed when --seed is not given.
const SeedEnv = "DISCOVERY_ACCESS_SEED"

type rpcFlags struct {
	addr    string
	server  string
	seed    string
	timeout time.Duration
}

func (f *rpcFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "rpc", "127.0.0.1:4977", "registry RPC address")
	cmd.Flags().StringVar(&f.server, "server", "", "hex RPC public key of the registry (unpinned when empty)")
	cmd.Flags().StringVar(&f.seed, "seed", "", "hex access seed (defaults to $"+SeedEnv+")")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Second, "request timeout")
}

func (f *rpcFlags) dial() (*client.Register, error) {
	seed := f.seed
	if seed == "" {
		seed = os.Getenv(SeedEnv)
	}
	var pin *id.Key
	if f.server != "" {
		k, err := id.Decode(f.server)
		if err != nil {
			return nil, err
		}
		pin = &k
	}
	return client.NewRegister(f.addr, seed, pin)
}

func (f *rpcFlags) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), f.timeout)
}

// NewRootCommand builds the discovery-client command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "discovery-client",
		Short: "register and look up RPC services",
		Long: `
discovery-client talks to an rpc-discovery registry.

put and delete change registrations over RPC and need an access seed whose
public key the registry allows. list and identity need no access.`,
		SilenceUsage: true,
	}
	root.AddCommand(
		newPutCommand(),
		newDeleteCommand(),
		newListCommand(),
		newIdentityCommand(),
	)
	return root
}
