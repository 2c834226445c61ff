package memory

import (
	"context"
	"sync"

	"github.com/go-faster/errors"

	"github.com/xenking/marketplace-core/internal/domain/auth"
	"github.com/xenking/marketplace-core/internal/domain/product"
)

// Catalog is an in-memory product.Repository.
type Catalog struct {
	mu       sync.RWMutex
	products map[string]product.Product
}

var _ product.Repository = (*Catalog)(nil)

func NewCatalog(products ...product.Product) *Catalog {
	c := &Catalog{products: make(map[string]product.Product, len(products))}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

// Put adds or replaces a product.
func (c *Catalog) Put(p product.Product) {
	c.mu.Lock()
	c.products[p.ID] = p
	c.mu.Unlock()
}

// GetByIDs returns the known products among ids in request order. Unknown
// ids are skipped.
func (c *Catalog) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]struct{}, len(ids))
	out := make([]product.Product, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if p, ok := c.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// APIKeys is an in-memory auth.Repository keyed by HMAC hash.
type APIKeys struct {
	mu   sync.RWMutex
	keys map[string]auth.APIKeyInfo
}

var _ auth.Repository = (*APIKeys)(nil)

func NewAPIKeys() *APIKeys {
	return &APIKeys{keys: make(map[string]auth.APIKeyInfo)}
}

// Put registers a key under its hash.
func (r *APIKeys) Put(info auth.APIKeyInfo) {
	r.mu.Lock()
	r.keys[info.KeyHash] = info
	r.mu.Unlock()
}

func (r *APIKeys) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.keys[hash]
	if !ok {
		return nil, errors.New("api key not found")
	}
	return &info, nil
}
