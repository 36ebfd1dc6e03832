package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

// MethodLimit is the token bucket of one RPC method.
type MethodLimit struct {
	Rate  float64
	Burst int
}

// Policy is the resolved access policy file.
type Policy struct {
	Allow   []id.Key
	Methods map[string]MethodLimit
	Peers   map[id.Key]string
}

// hclPolicy is the file as written.
type hclPolicy struct {
	Allow   []string     `hcl:"allow,optional"`
	Methods []*hclMethod `hcl:"method,block"`
	Peers   []*hclPeer   `hcl:"peer,block"`
}

type hclMethod struct {
	Name  string  `hcl:"name,label"`
	Rate  float64 `hcl:"rate"`
	Burst int     `hcl:"burst,optional"`
}

type hclPeer struct {
	Key     string `hcl:"key,label"`
	Address string `hcl:"address"`
}

// LoadPolicy reads the policy file at path with the process environment
// available as env.
func LoadPolicy(path string) (*Policy, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicy(src, path, environ())
}

// ParsePolicy decodes an HCL policy. Expressions may reference env.NAME.
func ParsePolicy(src []byte, filename string, env map[string]string) (*Policy, error) {
	file, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", filename, diags)
	}

	vars := make(map[string]cty.Value, len(env))
	for k, v := range env {
		vars[k] = cty.StringVal(v)
	}
	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(vars)},
	}

	var raw hclPolicy
	if diags := gohcl.DecodeBody(file.Body, evalCtx, &raw); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode policy file %s: %w", filename, diags)
	}
	return raw.resolve()
}

func (p *hclPolicy) resolve() (*Policy, error) {
	out := &Policy{
		Methods: make(map[string]MethodLimit, len(p.Methods)),
		Peers:   make(map[id.Key]string, len(p.Peers)),
	}
	for _, s := range p.Allow {
		k, err := id.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("policy allow %q: %w", s, err)
		}
		out.Allow = append(out.Allow, k)
	}
	for _, m := range p.Methods {
		if _, dup := out.Methods[m.Name]; dup {
			return nil, fmt.Errorf("policy method %q: declared twice", m.Name)
		}
		if m.Rate < 0 || m.Burst < 0 {
			return nil, fmt.Errorf("policy method %q: negative limit", m.Name)
		}
		out.Methods[m.Name] = MethodLimit{Rate: m.Rate, Burst: m.Burst}
	}
	for _, peer := range p.Peers {
		k, err := id.Decode(peer.Key)
		if err != nil {
			return nil, fmt.Errorf("policy peer %q: %w", peer.Key, err)
		}
		if peer.Address == "" {
			return nil, fmt.Errorf("policy peer %s: empty address", k.Short())
		}
		out.Peers[k] = peer.Address
	}
	return out, nil
}

// DecodeAllowedKeys returns RPC_ALLOWED_KEYS as identities.
func (g GateConfig) DecodeAllowedKeys() ([]id.Key, error) {
	keys := make([]id.Key, 0, len(g.AllowedKeys))
	for _, s := range g.AllowedKeys {
		if strings.TrimSpace(s) == "" {
			continue
		}
		k, err := id.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("RPC_ALLOWED_KEYS %q: %w", s, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}
