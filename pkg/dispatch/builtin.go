package dispatch

import (
	"context"
	"fmt"
)

// AppInfo describes the running gateway.
type AppInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// RegisterBuiltins registers the read-only informational commands present in
// the rule table.
func RegisterBuiltins(d *Dispatcher, info AppInfo) error {
	builtins := map[string]HandlerFunc{
		"ping": func(context.Context, Call) (any, error) {
			return map[string]bool{"pong": true}, nil
		},
		"get_app_info": func(context.Context, Call) (any, error) {
			return info, nil
		},
		"get_app_version": func(context.Context, Call) (any, error) {
			return map[string]string{"version": info.Version}, nil
		},
	}
	for name, h := range builtins {
		if _, ok := d.resolver.Lookup(name); !ok {
			continue
		}
		if err := d.Register(name, h); err != nil {
			return fmt.Errorf("registering builtins: %w", err)
		}
	}
	return nil
}
