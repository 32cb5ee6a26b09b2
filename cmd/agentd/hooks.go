package main

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/haasonsaas/nexus/internal/bus"
	"github.com/haasonsaas/nexus/internal/hooks"
	"github.com/haasonsaas/nexus/pkg/models"
)

// registerShellHookBridge wires runner's workspace-configured shell hooks
// (hooks.json, per internal/hooks/runner.go) into registry's event
// dispatch, so a PreToolUse hook that exits non-zero blocks the tool call
// the same way an in-process Registry handler would, and PostToolUse hooks
// observe completions without affecting the result.
func registerShellHookBridge(registry *hooks.Registry, runner *hooks.Runner) {
	registry.Register(string(hooks.EventToolCalled), func(ctx context.Context, event *hooks.Event) error {
		payload := shellHookPayload(event)
		result := runner.Run(ctx, hooks.PreToolUse, payload)
		if result.Blocked {
			return firstError(result.Errors, "blocked by PreToolUse hook")
		}
		return nil
	})

	registry.Register(string(hooks.EventToolCompleted), func(ctx context.Context, event *hooks.Event) error {
		runner.Run(ctx, hooks.PostToolUse, shellHookPayload(event))
		return nil
	})
}

func shellHookPayload(event *hooks.Event) map[string]any {
	payload := make(map[string]any, len(event.Context)+2)
	for k, v := range event.Context {
		payload[k] = v
	}
	payload["session_key"] = event.SessionKey
	payload["channel"] = event.Channel
	return payload
}

// discoverWorkspaceHooks loads HOOK.md declarations from the workspace's
// hooks/ directory, ~/.nexus/hooks/, and any configured extra directories,
// and returns the subset whose Requires are met on this host. Discovery
// runs once at startup; an agentd restart is how an operator picks up a
// newly dropped HOOK.md today.
func discoverWorkspaceHooks(ctx context.Context, workspace string, extraDirs []string, logger *slog.Logger) ([]*hooks.HookEntry, error) {
	sources := hooks.BuildDefaultSources(workspace, hooks.DefaultLocalPath(), "", extraDirs)
	all, err := hooks.DiscoverAll(ctx, sources)
	if err != nil {
		return nil, err
	}
	gating := hooks.NewGatingContext(nil)
	eligible := hooks.FilterEligible(all, gating)
	for _, entry := range eligible {
		logger.Info("eligible workspace hook",
			"name", entry.Config.Name,
			"source", entry.Source,
			"events", entry.Config.Events)
	}
	return eligible, nil
}

// registerDiscoveredHooks binds each eligible HOOK.md entry to its
// declared events: when a matching event fires on registry, the entry's
// briefing (name plus markdown body) is published on b as a hook_fired
// event, for a session or dashboard consumer to surface to the operator.
// HOOK.md declares events in "type:action" form (e.g. "tool:called");
// registry dispatches on the dotted models.EventType form the rest of the
// codebase uses, so the colon is normalized to a dot before registering.
func registerDiscoveredHooks(registry *hooks.Registry, b *bus.Bus, entries []*hooks.HookEntry) {
	for _, entry := range entries {
		entry := entry
		for _, declared := range entry.Config.Events {
			key := strings.ReplaceAll(declared, ":", ".")
			registry.Register(key, func(ctx context.Context, event *hooks.Event) error {
				b.Publish(models.NewEvent(models.EventHookFired, models.EventKindHook, "", event.SessionKey, map[string]any{
					"hook_name": entry.Config.Name,
					"source":    string(entry.Source),
					"event":     key,
					"briefing":  entry.Content,
				}))
				return nil
			}, hooks.WithName(entry.Config.Name))
		}
	}
}

func firstError(errs []string, fallback string) error {
	if len(errs) == 0 {
		return errors.New(fallback)
	}
	return errors.New(errs[0])
}
