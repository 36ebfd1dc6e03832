package server

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
	"github.com/GriffinCanCode/rpc-discovery/internal/shared/paths"
)

// loadIdentity derives the RPC identity from seed, or from the seed stored
// under dir. A missing stored seed is generated and written.
func loadIdentity(seed, dir string) (id.KeyPair, bool, error) {
	if seed != "" {
		kp, err := id.DecodeSeed(seed)
		return kp, false, err
	}

	layout := paths.New(dir)
	path := layout.Identity()
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		kp, err := id.DecodeSeed(strings.TrimSpace(string(raw)))
		if err != nil {
			return id.KeyPair{}, false, fmt.Errorf("%s: %w", path, err)
		}
		return kp, false, nil
	case !errors.Is(err, fs.ErrNotExist):
		return id.KeyPair{}, false, fmt.Errorf("read identity: %w", err)
	}

	fresh, err := id.NewSeed()
	if err != nil {
		return id.KeyPair{}, false, err
	}
	if err := os.MkdirAll(layout.Root(), 0o755); err != nil {
		return id.KeyPair{}, false, fmt.Errorf("create storage dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(fresh)+"\n"), 0o600); err != nil {
		return id.KeyPair{}, false, fmt.Errorf("write identity: %w", err)
	}
	kp, err := id.KeyPairFromSeed(fresh)
	return kp, true, err
}
