package yamldoc

import (
	"fmt"

	"github.com/vk/beamgridgo/internal/expr"
	"gopkg.in/yaml.v3"
)

// expression is an expr.Node carried as a YAML scalar.
type expression struct {
	Node expr.Node
}

func (e *expression) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expression must be a scalar", n.Line)
	}
	node, err := expr.Parse(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	e.Node = node
	return nil
}

// MarshalYAML writes constants as YAML numbers and everything else as
// strings.
func (e expression) MarshalYAML() (any, error) {
	if e.Node.IsConst() {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: expr.FormatNumber(e.Node.Value)}, nil
	}
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: expr.Format(e.Node)}, nil
}
