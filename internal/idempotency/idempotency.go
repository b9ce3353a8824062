// Package idempotency deduplicates execution triggers that carry an
// idempotency key, so a retried request maps onto the run it already started.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pitabwire/sequencer/model"
)

// Record is the stored value for an idempotency key. InstanceID is empty
// while the run is still being started.
type Record struct {
	InputHash  string `json:"input_hash"`
	InstanceID string `json:"instance_id,omitempty"`
}

// Pending reports whether the claim has not yet been bound to a run.
func (r Record) Pending() bool {
	return r.InstanceID == ""
}

// Store provides deduplication for execution triggers.
type Store interface {
	// Claim atomically reserves key for inputHash. claimed is true when the
	// caller now owns the key. Otherwise the existing record is returned,
	// or a CONFLICT error when it was stored with a different input hash.
	Claim(ctx context.Context, key, inputHash string, ttl time.Duration) (existing Record, claimed bool, err error)

	// Complete binds a claimed key to the run it started.
	Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error

	// Release drops a claim whose run never started.
	Release(ctx context.Context, key string) error

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}

// FormatKey builds the standard idempotency key.
func FormatKey(organizationID, sequenceKey, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", organizationID, sequenceKey, key)
}

// HashInput returns a stable hash of a trigger payload. Map keys are
// serialized in sorted order so equal payloads hash equally.
func HashInput(trigger map[string]any) (string, error) {
	data, err := json.Marshal(trigger)
	if err != nil {
		return "", fmt.Errorf("hash trigger: %w", err)
	}
	return fmt.Sprintf("%x", sha256.Sum256(data)), nil
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
}
