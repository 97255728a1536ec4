package normalizer

import (
	"fmt"

	"github.com/revback/core/internal/models"
)

// Registry is the process-wide provider → normalizer map, built once at
// startup and handed down explicitly rather than reached for as a package
// singleton.
type Registry struct {
	normalizers map[models.Source]Normalizer
}

// NewRegistry builds a registry with all built-in normalizers.
func NewRegistry() *Registry {
	r := &Registry{normalizers: make(map[models.Source]Normalizer)}
	r.Register(NewStripeNormalizer())
	r.Register(NewAppleNormalizer())
	r.Register(NewGoogleNormalizer())
	r.Register(NewRecurlyNormalizer())
	return r
}

// Register adds or replaces a normalizer for its source.
func (r *Registry) Register(n Normalizer) {
	r.normalizers[n.Source()] = n
}

// Get looks up the normalizer for a source.
func (r *Registry) Get(source models.Source) (Normalizer, error) {
	n, ok := r.normalizers[source]
	if !ok {
		return nil, fmt.Errorf("no normalizer registered for source %q", source)
	}
	return n, nil
}
