package gate

import (
	"fmt"
	"regexp"

	"github.com/clawee/sidecar/pkg/catalog"
)

// CompiledDestination holds a destination scope's patterns pre-compiled
// into regexps, since compilation "happens once at load time and must be
// total" per the channel destination policy.
type CompiledDestination struct {
	Mode  catalog.ScopeMode
	Allow []*regexp.Regexp
	Deny  []*regexp.Regexp
}

// CompileDestinationRules compiles every pattern in rules. A single
// compile failure fails the whole load.
func CompileDestinationRules(rules catalog.DestinationRules) (map[string]CompiledDestination, error) {
	out := map[string]CompiledDestination{}
	compileScope := func(scope catalog.DestinationScope) (CompiledDestination, error) {
		c := CompiledDestination{Mode: scope.Mode}
		for _, p := range scope.Allow {
			re, err := regexp.Compile(p)
			if err != nil {
				return CompiledDestination{}, fmt.Errorf("compile allow pattern %q: %w", p, err)
			}
			c.Allow = append(c.Allow, re)
		}
		for _, p := range scope.Deny {
			re, err := regexp.Compile(p)
			if err != nil {
				return CompiledDestination{}, fmt.Errorf("compile deny pattern %q: %w", p, err)
			}
			c.Deny = append(c.Deny, re)
		}
		return c, nil
	}
	def, err := compileScope(rules.Default)
	if err != nil {
		return nil, err
	}
	out["__default__"] = def
	for channel, scope := range rules.Channels {
		c, err := compileScope(scope)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", channel, err)
		}
		out[channel] = c
	}
	return out, nil
}

func resolveCompiled(compiled map[string]CompiledDestination, channel string) CompiledDestination {
	if c, ok := compiled[channel]; ok {
		return c
	}
	return compiled["__default__"]
}

// Destination evaluates a target address against the compiled per-channel
// (or default) pattern scope. Deny match wins outright; under mode=deny an
// allow match is required; under mode=allow everything passes unless an
// allowlist is configured and nothing in it matches.
func Destination(compiled map[string]CompiledDestination, channel, target string) Decision {
	scope := resolveCompiled(compiled, channel)
	for _, re := range scope.Deny {
		if re.MatchString(target) {
			return block(RiskHigh, []string{fmt.Sprintf("destination:deny-match:%s", re.String())},
				fmt.Sprintf("destination %s matched deny pattern %s", target, re.String()))
		}
	}
	allowMatched := false
	for _, re := range scope.Allow {
		if re.MatchString(target) {
			allowMatched = true
			break
		}
	}
	if scope.Mode == catalog.ModeDeny {
		if !allowMatched {
			return block(RiskHigh, []string{"destination:no-allow-match"},
				fmt.Sprintf("destination %s did not match any allow pattern under deny-mode", target))
		}
		return allow("destination gate passed under deny-mode allow match")
	}
	if len(scope.Allow) > 0 && !allowMatched {
		return block(RiskHigh, []string{"destination:allowlist-configured-no-match"},
			fmt.Sprintf("destination %s did not match the configured allowlist", target))
	}
	return allow("destination gate passed")
}
