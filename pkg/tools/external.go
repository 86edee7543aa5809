package tools

import (
	"context"
	"slices"

	"github.com/bodhya/bodhya/pkg/bridge"
	"github.com/bodhya/bodhya/pkg/errors"
)

// ExternalOperation is the single operation of a provider tool.
const ExternalOperation = "call"

// ExternalName returns the registry name of a provider tool.
func ExternalName(provider, tool string) string {
	return provider + ":" + tool
}

// RegisterProvider registers every tool discovered on p as
// "<provider>:<tool>" with the single operation "call" and returns the names
// sorted. Registration is all or nothing: on a conflict the tools already
// added for p are removed.
func RegisterProvider(r *Registry, p bridge.Provider) ([]string, error) {
	var names []string
	for _, t := range p.Tools() {
		name := ExternalName(p.Name(), t.Name)
		schema := t.InputSchema
		if schema == nil {
			schema = object(nil, map[string]any{})
		}
		desc := Descriptor{
			Name:        name,
			Description: t.Description,
			Origin:      p.Name(),
			Operations: map[string]OperationSpec{
				ExternalOperation: {Description: t.Description, Schema: schema},
			},
		}
		if err := r.Register(desc, providerHandler(p, t.Name)); err != nil {
			for _, n := range names {
				r.Unregister(n)
			}
			return nil, err
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func providerHandler(p bridge.Provider, tool string) Handler {
	return HandlerFunc(func(ctx context.Context, _ string, params map[string]any) (any, error) {
		select {
		case <-p.Done():
			return nil, errors.New(errors.CodeProviderUnavailable, "provider "+p.Name()+" is unavailable", p.Err())
		default:
		}
		res, err := p.Call(ctx, tool, params)
		if err != nil {
			return nil, err
		}
		return res.Value(), nil
	})
}

// Served lists every operation of the given origins as bridge operations,
// sorted by tool then operation. With no origins, all tools are listed.
func (r *Registry) Served(origins ...string) []bridge.ServedOperation {
	allow := make(map[string]bool, len(origins))
	for _, o := range origins {
		allow[o] = true
	}
	var out []bridge.ServedOperation
	for _, d := range r.List() {
		if len(allow) > 0 && !allow[d.Origin] {
			continue
		}
		for _, op := range d.OperationNames() {
			spec := d.Operations[op]
			out = append(out, bridge.ServedOperation{
				Tool:        d.Name,
				Operation:   op,
				Description: spec.Description,
				Schema:      spec.Schema,
			})
		}
	}
	return out
}
