// Package secrets resolves {vault:...} placeholders in connection settings.
// The migration engine treats resolution as opaque: it hands raw strings to a
// Resolver and uses whatever comes back.
package secrets

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Resolver replaces secret placeholders in s with their values.
type Resolver interface {
	Resolve(ctx context.Context, s string) (string, error)
}

// Passthrough returns its input unchanged.
type Passthrough struct{}

func (Passthrough) Resolve(_ context.Context, s string) (string, error) { return s, nil }

var placeholder = regexp.MustCompile(`\{vault:([A-Za-z0-9_.-]+):([A-Za-z0-9_.-]+)\}`)

// Env resolves {vault:name:secret} from the environment variable
// <Prefix><NAME>_<SECRET>, upper-cased with '-' and '.' replaced by '_'.
type Env struct {
	Prefix string
	Lookup func(string) (string, bool) // defaults to os.LookupEnv
}

func (e Env) Resolve(_ context.Context, s string) (string, error) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var missing []string
	out := placeholder.ReplaceAllStringFunc(s, func(m string) string {
		parts := placeholder.FindStringSubmatch(m)
		key := e.Prefix + envName(parts[1]) + "_" + envName(parts[2])
		v, ok := lookup(key)
		if !ok {
			missing = append(missing, key)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved secrets: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func envName(s string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(s))
}

// New returns the resolver for a provider name ("none" or "env").
func New(provider, prefix string) (Resolver, error) {
	switch provider {
	case "", "none":
		return Passthrough{}, nil
	case "env":
		return Env{Prefix: prefix}, nil
	}
	return nil, fmt.Errorf("unknown secrets provider %q", provider)
}
