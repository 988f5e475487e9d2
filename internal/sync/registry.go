package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/quill/internal/documents"
	"github.com/MarcoPoloResearchLab/quill/internal/replica"
)

var (
	errMissingStore = errors.New("sync: store is required")
)

// RegistryConfig describes the dependencies of the actor registry.
type RegistryConfig struct {
	Store                Store
	Logger               *zap.Logger
	Clock                func() time.Time
	MetadataDebounce     time.Duration
	MetadataMaxStaleness time.Duration
}

// Registry owns the concurrency-safe map from document id to actor handle.
// Actors start lazily on first attach and stop deterministically when the
// last observer detaches; an idle document recreates its state by replay.
type Registry struct {
	mu      sync.Mutex
	actors  map[documents.DocumentID]*actorHandle
	store   Store
	logger  *zap.Logger
	clock   func() time.Time
	deb     time.Duration
	maxStal time.Duration
}

type actorHandle struct {
	actor     *documentActor
	observers int
}

// NewRegistry validates the configuration and constructs an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		actors:  make(map[documents.DocumentID]*actorHandle),
		store:   cfg.Store,
		logger:  logger,
		clock:   clock,
		deb:     cfg.MetadataDebounce,
		maxStal: cfg.MetadataMaxStaleness,
	}, nil
}

// attach binds a session to the document's actor, starting one when needed.
// The caller blocks until initial history replay completes.
func (r *Registry) attach(ctx context.Context, documentID documents.DocumentID, request attachRequest) (*documentActor, error) {
	r.mu.Lock()
	handle, ok := r.actors[documentID]
	if !ok {
		handle = &actorHandle{
			actor: newDocumentActor(documentID, r.store, r.logger, r.clock, r.deb, r.maxStal),
		}
		r.actors[documentID] = handle
		go handle.actor.run()
	}
	handle.observers++
	r.mu.Unlock()

	if err := handle.actor.attach(ctx, request); err != nil {
		r.release(documentID, "")
		return nil, err
	}
	return handle.actor, nil
}

// release detaches the session (when given) and stops the actor once the
// last observer is gone. The stop decision and the map removal happen under
// the registry lock, so a racing attach either reuses the live actor or
// starts a fresh one, never both. The blocking calls into the actor,
// including the metadata flush on stop, run after the lock is dropped so a
// slow flush on one document never stalls attaches to others.
func (r *Registry) release(documentID documents.DocumentID, sessionID string) {
	r.mu.Lock()
	handle, ok := r.actors[documentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	handle.observers--
	stopping := handle.observers <= 0
	if stopping {
		delete(r.actors, documentID)
	}
	r.mu.Unlock()

	if sessionID != "" {
		handle.actor.detach(sessionID)
	}
	if stopping {
		handle.actor.stop()
	}
}

// Mutate applies a server-originated write to a document's replica. When the
// document's actor is live the write goes through it, so attached sessions
// observe the broadcast; otherwise the replica is replayed from the update
// log, mutated, and the delta appended directly. The callback returns the
// delta encoding its change, or nil for no-op.
func (r *Registry) Mutate(ctx context.Context, documentID documents.DocumentID, author documents.UserID, mutate func(*replica.Replica) []byte) error {
	r.mu.Lock()
	handle, live := r.actors[documentID]
	if live {
		// Pin the actor so a concurrent last-detach cannot stop it mid-write.
		handle.observers++
	}
	r.mu.Unlock()

	if live {
		err := handle.actor.mutate(ctx, mutateRequest{author: author, hasAuthor: author != "", mutate: mutate})
		r.release(documentID, "")
		return err
	}

	rep := replica.New()
	payloads, err := r.store.ListUpdatePayloads(ctx, documentID)
	if err != nil {
		return err
	}
	for _, payload := range payloads {
		if _, mergeErr := rep.Merge(payload); mergeErr != nil {
			r.logger.Warn("skipping malformed stored update",
				zap.String("document_id", documentID.String()),
				zap.Error(mergeErr))
		}
	}
	delta := mutate(rep)
	if len(delta) == 0 {
		return nil
	}
	_, err = r.store.AppendUpdate(ctx, documentID, author, delta)
	return err
}

// ActiveDocuments reports how many document actors are currently live.
func (r *Registry) ActiveDocuments() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// Shutdown stops every live actor, flushing pending metadata.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for documentID, handle := range r.actors {
		handle.actor.stop()
		delete(r.actors, documentID)
	}
}
