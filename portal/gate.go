package portal

import (
	"fmt"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"
)

// Gate is a compiled script deciding whether a ready portal may be used.
// Scripts read the globals target, state and distance and assign allow.
type Gate struct {
	name     string
	compiled *tengo.Compiled
}

func CompileGate(name string, src []byte) (*Gate, error) {
	script := tengo.NewScript(src)
	_ = script.Add("target", "")
	_ = script.Add("state", "")
	_ = script.Add("distance", 0.0)
	_ = script.Add("allow", false)
	script.SetImports(stdlib.GetModuleMap(stdlib.AllModuleNames()...))

	compiled, err := script.Compile()
	if err != nil {
		return nil, fmt.Errorf("portal: compile gate %s: %w", name, err)
	}
	return &Gate{name: name, compiled: compiled}, nil
}

func (g *Gate) Name() string { return g.name }

// Allow runs the script once. A script error is returned and callers treat
// it as a refusal.
func (g *Gate) Allow(target, state string, distance float64) (bool, error) {
	for k, v := range map[string]any{"target": target, "state": state, "distance": distance, "allow": false} {
		if err := g.compiled.Set(k, v); err != nil {
			return false, fmt.Errorf("portal: gate %s: set %s: %w", g.name, k, err)
		}
	}
	if err := g.compiled.Run(); err != nil {
		return false, fmt.Errorf("portal: gate %s: %w", g.name, err)
	}
	return g.compiled.Get("allow").Bool(), nil
}
