package tools

import (
	"github.com/rendis/toolflow/internal/expressions"
)

// RegisterBuiltins registers the data and host tools in reg.
func RegisterBuiltins(reg *Registry, host HostConfig) error {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}

	all := make([]Tool, 0, 16)
	all = append(all, DataTools(expressions.NewGoJQEngine(), expressions.NewExprEngine(), cel)...)
	all = append(all, HostTools(host)...)

	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
