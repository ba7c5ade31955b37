package dispatch

import (
	"context"

	"golang.org/x/sync/errgroup"

	"ExtensionHost/internal/events"
	"ExtensionHost/internal/registry"
	"ExtensionHost/internal/sandbox"
)

// HandleEvent runs every enabled hook of the event's tenant subscribed to its type. Hook groups
// of different installations run concurrently, bounded by the configured parallelism; hooks of
// one installation run in registration order. Hook failures are isolated and never returned.
// Each hook re-checks the live table before it starts, so a group stops as soon as its
// installation is disabled or uninstalled.
func (d *Dispatcher) HandleEvent(ctx context.Context, e events.Event) error {
	groups := d.tables.Table(e.TenantID).Hooks(e.Type)
	if len(groups) == 0 {
		return nil
	}
	var g errgroup.Group
	g.SetLimit(d.parallelism)
	for _, group := range groups {
		group := group
		g.Go(func() error {
			d.runGroup(ctx, group, e)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) runGroup(ctx context.Context, group registry.HookGroup, e events.Event) {
	for _, hook := range group.Hooks {
		if ctx.Err() != nil {
			return
		}
		res := d.invoke(ctx, call{
			kind:     sandbox.KindHook,
			plugin:   group.Plugin,
			handler:  hook.Handler,
			requires: hook.Requires,
			userID:   e.UserID,
			depth:    e.Depth,
			args:     []any{e.Arg()},
		})
		if res.Error == errWithdrawn {
			return
		}
	}
}
