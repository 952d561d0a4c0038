package engine

import (
	"context"
)

// Claim is a worker's exclusive hold on one entity for one traversal.
// The key is the token every subsequent guarded write carries; a write
// that no longer matches means the claim was superseded.
type Claim struct {
	EntityID    string
	TraversalID string
	EngineID    string
	Key         int64
}

// TryClaim attempts to take ownership of an entity by advancing its
// atomic key from the value the caller last observed. Exactly one of
// any number of racing claimers succeeds; the rest get a conflict.
//
// A conflict is not an error condition for the caller: it means another
// worker, or a newer traversal, owns the entity, and the losing work
// unit is abandoned silently.
func TryClaim(ctx context.Context, store EntityStore, entityID string, observedKey int64, engineID, traversalID string) (*Claim, error) {
	newKey, err := store.ClaimEntity(ctx, entityID, observedKey, engineID, traversalID)
	if err != nil {
		if IsConflict(err) {
			return nil, NewConflictError("entity claim lost", err).
				WithCode(ErrCodeStaleClaim).
				WithEntity(entityID).WithTraversal(traversalID)
		}
		return nil, err
	}
	return &Claim{
		EntityID:    entityID,
		TraversalID: traversalID,
		EngineID:    engineID,
		Key:         newKey,
	}, nil
}
