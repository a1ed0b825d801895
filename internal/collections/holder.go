package collections

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Holder is the bucket-level owner of the current manifest. Manifests
// are immutable values, so replacement is a copy-on-write pointer swap
// guarded by successor validation; readers always see a complete
// manifest.
type Holder struct {
	current atomic.Pointer[Manifest]
	logger  *zap.Logger
}

// NewHolder starts a holder at the epoch manifest.
func NewHolder(logger *zap.Logger) *Holder {
	h := &Holder{logger: logger}
	h.current.Store(NewEpochManifest())
	return h
}

// Current returns the installed manifest. The returned value is shared
// and must not be mutated.
func (h *Holder) Current() *Manifest {
	return h.current.Load()
}

// Install validates candidate as a successor of the current manifest
// and swaps it in. A failed validation leaves the current manifest in
// place.
func (h *Holder) Install(candidate *Manifest) error {
	cur := h.current.Load()
	if err := cur.IsSuccessor(candidate); err != nil {
		h.logger.Warn("Rejected collections manifest",
			zap.Uint64("current_uid", uint64(cur.UID())),
			zap.Uint64("candidate_uid", uint64(candidate.UID())),
			zap.Error(err))
		return err
	}
	h.current.Store(candidate)
	h.logger.Info("Installed collections manifest",
		zap.Uint64("uid", uint64(candidate.UID())),
		zap.Int("scopes", candidate.NumScopes()),
		zap.Int("collections", candidate.NumCollections()))
	return nil
}
