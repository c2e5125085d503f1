// Package relation discovers data dependencies between the steps of a flow
// and rewrites them into exported variables and placeholders.
package relation

import (
	"github.com/funnyzak/reqflow/internal/config"
	"github.com/funnyzak/reqflow/internal/flow"
	"github.com/funnyzak/reqflow/internal/logger"
)

// DefaultSensitiveKeys are the body fields lifted into variables.
var DefaultSensitiveKeys = []string{"username", "password", "email", "csrfmiddlewaretoken", "cookie"}

// Options selects and tunes the registered relations.
type Options struct {
	// Enabled lists relation names to run; empty runs all of them.
	Enabled       []string
	SensitiveKeys []string
	Naming        string
}

// OptionsFromConfig maps the relations config section.
func OptionsFromConfig(cfg *config.RelationsConfig) Options {
	if cfg == nil {
		return Options{}
	}
	return Options{
		Enabled:       cfg.Enabled,
		SensitiveKeys: cfg.SensitiveKeys,
		Naming:        cfg.Naming,
	}
}

// Registered returns the relations to apply, always in the order bearer,
// cookie, sensitive info.
func Registered(opts Options, log logger.Logger) []flow.Relation {
	if log == nil {
		log = logger.Nop()
	}
	all := []flow.Relation{
		NewBearerAuth(log),
		NewCookie(log),
		NewSensitiveInfo(opts.SensitiveKeys, opts.Naming, log),
	}
	if len(opts.Enabled) == 0 {
		return all
	}
	enabled := make(map[string]struct{}, len(opts.Enabled))
	for _, name := range opts.Enabled {
		enabled[name] = struct{}{}
	}
	out := make([]flow.Relation, 0, len(all))
	for _, r := range all {
		if _, ok := enabled[r.Name()]; ok {
			out = append(out, r)
		}
	}
	return out
}
