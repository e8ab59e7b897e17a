package runtime

import (
	"fmt"

	"dario.cat/mergo"
	"github.com/goccy/go-json"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Validator is implemented by handler config structs that check themselves after
// defaults are applied.
type Validator interface {
	Validate() error
}

// DecodeConfig parses a node's untyped config into the handler's typed config struct.
// Zero-valued fields are filled from defaults; fields whose zero value is meaningful
// should be pointers; a set pointer is never replaced by its default. When *T
// implements Validator it is validated before returning.
func DecodeConfig[T any](node WorkflowNode, defaults T) (T, error) {
	var cfg T

	if len(node.Config) > 0 {
		raw, err := json.Marshal(node.Config)
		if err != nil {
			return cfg, sdkerrors.WrapValidation("config", fmt.Sprintf("node %s: config is not serializable", node.ID), err)
		}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, sdkerrors.WrapValidation("config", fmt.Sprintf("node %s: invalid config: %v", node.ID, err), err)
		}
	}

	if err := mergo.Merge(&cfg, defaults, mergo.WithoutDereference); err != nil {
		return cfg, fmt.Errorf("failed to apply config defaults: %w", err)
	}

	if v, ok := interface{}(&cfg).(Validator); ok {
		if err := v.Validate(); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}
