package spec

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// StringList accepts either a single scalar or a sequence of scalars.
type StringList []string

func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var values []string
		if err := node.Decode(&values); err != nil {
			return err
		}
		if values == nil {
			values = []string{}
		}
		*l = StringList(values)
		return nil
	default:
		return fmt.Errorf("line %d: expected string or list of strings", node.Line)
	}
}

// PluginSelection captures runner.plugin / runner.plugins. Boolean false and
// the configured disable aliases turn plugins off explicitly.
type PluginSelection struct {
	Set   bool
	Off   bool
	Names []string
}

func (p *PluginSelection) UnmarshalYAML(node *yaml.Node) error {
	p.Set = true
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!bool" {
			var enabled bool
			if err := node.Decode(&enabled); err != nil {
				return err
			}
			if !enabled {
				p.Off = true
				return nil
			}
			return fmt.Errorf("line %d: plugin: true is ambiguous; name the plugin", node.Line)
		}
		p.Names = []string{strings.TrimSpace(node.Value)}
		return nil
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return err
		}
		for i := range names {
			names[i] = strings.TrimSpace(names[i])
		}
		p.Names = names
		if len(names) == 0 {
			p.Off = true
		}
		return nil
	default:
		return fmt.Errorf("line %d: plugin must be a name or a list of names", node.Line)
	}
}
