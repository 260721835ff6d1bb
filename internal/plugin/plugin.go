// Package plugin runs the optional post-run hook. Plugins are resolved by
// name from a fixed registry and may only add files and metrics to a run.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"ragpack/internal/artifact"
	"ragpack/internal/config"
	"ragpack/internal/spec"
)

// ErrUnknownPlugin is returned when an explicit plugin name is not registered.
var ErrUnknownPlugin = errors.New("unknown plugin")

// Context is the read-only view of a finished run handed to a plugin.
type Context struct {
	Pack     *spec.Pack
	Policy   *config.Policy
	Writer   *artifact.Writer
	Manifest artifact.Manifest
	Records  []artifact.QuestionRecord
	Logger   *zap.Logger
}

// OutDir returns the run output directory.
func (c Context) OutDir() string {
	return c.Writer.Dir()
}

// Plugin is the post-run capability.
type Plugin interface {
	Name() string
	PostRun(ctx context.Context, run Context) (artifact.PluginOutputs, error)
}

// Factory builds a fresh plugin instance.
type Factory func() Plugin

// Registry maps plugin names to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// DefaultRegistry holds the built-in plugins.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("findings", func() Plugin { return &Findings{} })
	r.Register("run_index", func() Plugin { return &RunIndex{} })
	r.Register("prom_metrics", func() Plugin { return &PromMetrics{} })
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, factory Factory) {
	r.factories[strings.ToLower(strings.TrimSpace(name))] = factory
}

// Names lists registered plugins in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Selected returns the plugin name a run should use. A non-empty override
// (the --plugin flag) wins over runner.plugin, which wins over
// runner.plugins. At most one plugin may be named.
func Selected(pack spec.Pack, override string) (string, error) {
	if name := strings.TrimSpace(override); name != "" {
		return name, nil
	}
	sel := pack.Runner.Plugin
	if !sel.Set {
		sel = pack.Runner.Plugins
	}
	if sel.Off {
		return "", nil
	}
	switch len(sel.Names) {
	case 0:
		return "", nil
	case 1:
		return sel.Names[0], nil
	default:
		return "", fmt.Errorf("runner.plugins: at most one plugin may run, got %s", strings.Join(sel.Names, ", "))
	}
}

// Resolve returns the plugin selected by name. An empty name or a disable
// alias selects no plugin and returns nil without error.
func (r *Registry) Resolve(name string, policy *config.Policy) (Plugin, error) {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" || (policy != nil && policy.IsDisableAlias(trimmed)) {
		return nil, nil
	}
	factory, ok := r.factories[trimmed]
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %s)", ErrUnknownPlugin, name, strings.Join(r.Names(), ", "))
	}
	return factory(), nil
}

// Run invokes p and merges its outputs into manifest. Plugin failures are
// recorded under plugin_errors and never returned.
func Run(ctx context.Context, p Plugin, run Context, manifest *artifact.Manifest) {
	if p == nil {
		return
	}
	logger := run.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	outputs, err := p.PostRun(ctx, run)
	if err != nil {
		manifest.RecordPluginError(p.Name(), err)
		logger.Warn("plugin.run.failed", zap.String("plugin", p.Name()), zap.Error(err))
		return
	}
	if !manifest.MergePluginOutputs(p.Name(), outputs) {
		manifest.RecordPluginError(p.Name(), fmt.Errorf("outputs for %s already recorded", p.Name()))
		return
	}
	logger.Info("plugin.run.done",
		zap.String("plugin", p.Name()),
		zap.Int("files", len(outputs.Files)),
		zap.Int("metrics", len(outputs.Metrics)),
	)
}
