// Package kinds holds the built-in job kinds that manifests can reference.
package kinds

import (
	"net"

	"github.com/manthysbr/browserq/internal/jobdef"
	"github.com/manthysbr/browserq/internal/synapse"
)

type Options struct {
	// AllowPrivateURLs lets jobs target loopback, private and metadata hosts.
	AllowPrivateURLs bool

	// Resolver vets URL hosts. Defaults to net.DefaultResolver.
	Resolver Resolver
}

func (o Options) resolver() Resolver {
	if o.Resolver != nil {
		return o.Resolver
	}
	return net.DefaultResolver
}

// Builtin returns the screenshot and pdf kinds, plus wasm when rt is non-nil.
func Builtin(opts Options, rt *synapse.Runtime) []jobdef.Kind {
	out := []jobdef.Kind{Screenshot(opts), PDF(opts)}
	if rt != nil {
		out = append(out, Wasm(opts, rt))
	}
	return out
}
