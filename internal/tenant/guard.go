// Package tenant enforces per-tenant isolation and byte quotas on every
// write path.
package tenant

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/stackhaus/mediavault/internal/fault"
	"github.com/stackhaus/mediavault/internal/store"
)

// Scope is the tenant predicate injected into catalog and payload reads.
type Scope struct {
	TenantID string
}

// AdmitToken is the capability returned on admission. It must be settled
// exactly once via Commit, Confirm or Release.
type AdmitToken struct {
	ID       string
	TenantID string

	// granted is the number of bytes currently reserved against the quota.
	granted int64
	// usageAtAdmit is the tenant usage observed at admission, for
	// best-effort streaming checks; commit re-verifies transactionally.
	usageAtAdmit int64
	quota        int64
	settled      bool
}

// Guard mediates quota admission. Usage counters are mutated only through
// the guard or through catalog commits that re-check the quota in their
// own transaction; reservations prevent admitted writers from jointly
// overshooting in the window between admission and commit.
type Guard struct {
	tenants store.TenantStore

	mu      sync.Mutex
	pending map[string]int64 // tenant -> reserved, uncommitted bytes
}

// NewGuard creates a guard over a tenant store.
func NewGuard(tenants store.TenantStore) *Guard {
	return &Guard{
		tenants: tenants,
		pending: make(map[string]int64),
	}
}

// Admit reserves expectedBytes against the tenant's quota. Unknown or
// inactive tenants are rejected as Unauthorized; a reservation that would
// cross the quota as QuotaExceeded.
func (g *Guard) Admit(ctx context.Context, tenantID string, expectedBytes int64) (*AdmitToken, error) {
	if expectedBytes < 0 {
		return nil, fault.New(fault.Validation, "expected byte count must not be negative")
	}

	t, err := g.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !t.Active {
		return nil, fault.Newf(fault.Unauthorized, "tenant %s is inactive", tenantID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if t.UsageBytes+g.pending[tenantID]+expectedBytes > t.QuotaBytes {
		return nil, fault.Newf(fault.QuotaExceeded,
			"tenant %s: %d bytes requested, %d of %d used",
			tenantID, expectedBytes, t.UsageBytes+g.pending[tenantID], t.QuotaBytes).
			WithHint("free space or raise the tenant quota")
	}

	g.pending[tenantID] += expectedBytes
	return &AdmitToken{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		granted:      expectedBytes,
		usageAtAdmit: t.UsageBytes,
		quota:        t.QuotaBytes,
	}, nil
}

// Grow extends a token's reservation to observedBytes. Streaming writers
// call it as bytes arrive so an upload aborts the moment the quota would
// be crossed, not after the fact.
func (g *Guard) Grow(token *AdmitToken, observedBytes int64) error {
	if token == nil || token.settled {
		return fault.New(fault.Internal, "grow on settled admit token")
	}
	if observedBytes <= token.granted {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	delta := observedBytes - token.granted
	if token.usageAtAdmit+g.pending[token.TenantID]+delta > token.quota {
		return fault.Newf(fault.QuotaExceeded,
			"tenant %s: stream reached %d bytes, quota %d", token.TenantID, observedBytes, token.quota).
			WithHint("free space or raise the tenant quota")
	}

	g.pending[token.TenantID] += delta
	token.granted = observedBytes
	return nil
}

// Commit settles the token and charges actualBytes to the tenant with a
// commit-time re-check. Used by writers whose catalog write does not carry
// the usage update itself.
func (g *Guard) Commit(ctx context.Context, token *AdmitToken, actualBytes int64) error {
	if token == nil || token.settled {
		return fault.New(fault.Internal, "commit on settled admit token")
	}
	if err := g.tenants.AddUsage(ctx, token.TenantID, actualBytes); err != nil {
		return err
	}
	g.settle(token)
	return nil
}

// Confirm settles the token without touching usage, for writers that
// updated usage inside their own store transaction.
func (g *Guard) Confirm(token *AdmitToken) {
	if token == nil || token.settled {
		return
	}
	g.settle(token)
}

// Release drops the reservation on any failure or cancellation path.
// Releasing twice is harmless.
func (g *Guard) Release(token *AdmitToken) {
	if token == nil || token.settled {
		return
	}
	g.settle(token)
}

// Scope yields the query predicate for a tenant's reads.
func (g *Guard) Scope(tenantID string) Scope {
	return Scope{TenantID: tenantID}
}

// Usage returns the tenant's current usage. Best-effort: the value may be
// stale by the time the caller acts on it.
func (g *Guard) Usage(ctx context.Context, tenantID string) (used, quota int64, err error) {
	t, err := g.tenants.Get(ctx, tenantID)
	if err != nil {
		return 0, 0, err
	}
	return t.UsageBytes, t.QuotaBytes, nil
}

func (g *Guard) settle(token *AdmitToken) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pending[token.TenantID] -= token.granted
	if g.pending[token.TenantID] <= 0 {
		delete(g.pending, token.TenantID)
	}
	token.settled = true
}
