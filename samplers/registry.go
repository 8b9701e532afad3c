package samplers

import (
	"strings"

	"github.com/pkg/errors"
)

// Names lists the sampler names ByName accepts.
func Names() []string {
	return []string{"greedy", "top-k", "top-p", "random", "beam", "contrastive"}
}

// ByName creates a sampler by name, with the default parameters of each strategy.
// Callers wanting different parameters use the New* constructors directly.
func ByName(name string) (Sampler, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "greedy":
		return NewGreedy(), nil
	case "top-k", "topk", "top_k":
		return NewTopK(5, 1.0, 0), nil
	case "top-p", "topp", "top_p", "nucleus":
		return NewTopP(0.1, 1.0, 0), nil
	case "random":
		return NewRandom(1.0, 0), nil
	case "beam":
		return NewBeam(5), nil
	case "contrastive":
		return NewContrastive(5, 0.6), nil
	}
	return nil, errors.Errorf("samplers: unknown sampler %q, valid names are %s",
		name, strings.Join(Names(), ", "))
}
