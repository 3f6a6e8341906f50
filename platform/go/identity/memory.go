package identity

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryProvider keeps identities in process. It backs local development (IDENTITY_PROVIDER=none)
// and tests; CreateHook lets tests inject provider failures.
type MemoryProvider struct {
	mu         sync.Mutex
	identities map[string]Identity

	// CreateHook, when set, runs before each create; a non-nil result is returned as-is.
	CreateHook func(email string) *Result
}

// NewMemoryProvider returns an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{identities: map[string]Identity{}}
}

// Seed registers an existing identity.
func (p *MemoryProvider) Seed(id Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id.Email = NormalizeEmail(id.Email)
	p.identities[id.Email] = id
}

func (p *MemoryProvider) CreateIdentity(ctx context.Context, email string, meta Metadata) Result {
	email = NormalizeEmail(email)
	if p.CreateHook != nil {
		if res := p.CreateHook(email); res != nil {
			return *res
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.identities[email]; exists {
		return Result{Status: StatusDuplicateExists}
	}

	id := Identity{UID: uuid.NewString(), Email: email, EmailVerified: meta.EmailVerified}
	p.identities[email] = id
	return Ok(id)
}

func (p *MemoryProvider) LookupIdentityByEmail(ctx context.Context, email string) Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.identities[NormalizeEmail(email)]
	if !ok {
		return Result{Status: StatusNotFound}
	}
	return Ok(id)
}

// Count reports how many identities exist.
func (p *MemoryProvider) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.identities)
}
