// Package doclist maintains the per-user document-list projection: a
// secondary synchronized document summarizing every document the user can
// see, rebuilt wholesale on first need and patched incrementally on every
// lifecycle mutation that affects the user's visibility set.
package doclist

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/quill/internal/documents"
	"github.com/MarcoPoloResearchLab/quill/internal/replica"
	"github.com/MarcoPoloResearchLab/quill/internal/sync"
)

const (
	projectionTitle = "Documents"

	opEnsureProjection = "doclist.ensure_projection"
	opApplyChange      = "doclist.apply_document_change"
)

var (
	errMissingStore    = errors.New("doclist: documents service is required")
	errMissingRegistry = errors.New("doclist: sync registry is required")

	// projectionActor is the replica actor id under which the server writes
	// projection entries.
	projectionActor = fnvActor("quill/document-list")
)

func fnvActor(name string) uint64 {
	digest := fnv.New64a()
	digest.Write([]byte(name))
	return digest.Sum64()
}

// Entry is the denormalized snapshot stored per visible document, keyed by
// document id inside the projection replica.
type Entry struct {
	Title            string `json:"title"`
	DocumentType     string `json:"type"`
	Public           bool   `json:"public"`
	IsOwner          bool   `json:"is_owner"`
	CanWrite         bool   `json:"can_write"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

// ServiceConfig describes the dependencies of the projection service.
type ServiceConfig struct {
	Store    *documents.Service
	Registry *sync.Registry
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Service keeps every user's projection consistent. Writes to one user's
// projection serialize on a per-user mutex; different users proceed in
// parallel.
type Service struct {
	store    *documents.Service
	registry *sync.Registry
	logger   *zap.Logger
	clock    func() time.Time

	mu    stdsync.Mutex
	locks map[string]*stdsync.Mutex
}

// NewService validates the configuration and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		store:    cfg.Store,
		registry: cfg.Registry,
		logger:   logger,
		clock:    clock,
		locks:    make(map[string]*stdsync.Mutex),
	}, nil
}

func (s *Service) userLock(userID documents.UserID) *stdsync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[userID.String()]
	if !ok {
		lock = &stdsync.Mutex{}
		s.locks[userID.String()] = lock
	}
	return lock
}

// EnsureProjection returns the user's projection document, creating and
// rebuilding it from the relational store on first need.
func (s *Service) EnsureProjection(ctx context.Context, userID documents.UserID) (documents.Document, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return s.ensureLocked(ctx, userID)
}

func (s *Service) ensureLocked(ctx context.Context, userID documents.UserID) (documents.Document, error) {
	projection, err := s.store.FindOwnedByType(ctx, userID, documents.DocumentTypeDocumentList)
	if err == nil {
		return projection, nil
	}
	if !errors.Is(err, documents.ErrDocumentNotFound) {
		return documents.Document{}, err
	}

	projection, err = s.store.CreateDocument(ctx, documents.CreateDocumentRequest{
		OwnerID:      userID,
		DocumentType: documents.DocumentTypeDocumentList,
		Title:        projectionTitle,
	})
	if err != nil {
		s.logger.Error("projection creation failed",
			zap.String("operation", opEnsureProjection),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return documents.Document{}, err
	}

	if err := s.rebuild(ctx, userID, projection); err != nil {
		return documents.Document{}, err
	}
	return projection, nil
}

// rebuild populates a fresh projection with a summary of every document the
// user owns or holds a grant on.
func (s *Service) rebuild(ctx context.Context, userID documents.UserID, projection documents.Document) error {
	visible, err := s.store.ListVisibleDocuments(ctx, userID)
	if err != nil {
		return err
	}
	grants, err := s.store.ListGrantsForUser(ctx, userID)
	if err != nil {
		return err
	}
	writable := make(map[string]bool, len(grants))
	for _, grant := range grants {
		writable[grant.DocumentID] = grant.CanWrite
	}

	values := make(map[string][]byte, len(visible))
	for _, document := range visible {
		if document.DocumentType == documents.DocumentTypeDocumentList.String() {
			continue
		}
		encoded, encodeErr := s.encodeEntry(document, userID, writable)
		if encodeErr != nil {
			return encodeErr
		}
		values[document.DocumentID] = encoded
	}
	if len(values) == 0 {
		return nil
	}

	projectionID := documents.DocumentID(projection.DocumentID)
	return s.registry.Mutate(ctx, projectionID, userID, func(rep *replica.Replica) []byte {
		return rep.SetBatch(projectionActor, values)
	})
}

// ApplyDocumentChange patches the projection of every affected user after a
// lifecycle mutation (create, rename, visibility, grant change, delete) of
// the target document. Each user's projection is updated independently.
func (s *Service) ApplyDocumentChange(ctx context.Context, target documents.Document, affected []documents.UserID) error {
	if target.DocumentType == documents.DocumentTypeDocumentList.String() {
		return nil
	}

	grants, err := s.store.ListGrants(ctx, documents.DocumentID(target.DocumentID))
	if err != nil {
		return err
	}
	grantByUser := make(map[string]documents.AccessGrant, len(grants))
	for _, grant := range grants {
		grantByUser[grant.UserID] = grant
	}

	var firstErr error
	for _, userID := range affected {
		if userID == "" {
			continue
		}
		if err := s.applyForUser(ctx, userID, target, grantByUser); err != nil {
			s.logger.Error("projection update failed",
				zap.String("operation", opApplyChange),
				zap.String("user_id", userID.String()),
				zap.String("document_id", target.DocumentID),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Service) applyForUser(ctx context.Context, userID documents.UserID, target documents.Document, grantByUser map[string]documents.AccessGrant) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	projection, err := s.ensureLocked(ctx, userID)
	if err != nil {
		return err
	}

	isOwner := target.OwnerID == userID.String()
	grant, hasGrant := grantByUser[userID.String()]
	visible := target.DeletedAtSeconds == 0 && (isOwner || hasGrant)

	var encoded []byte
	if visible {
		writable := map[string]bool{}
		if hasGrant {
			writable[target.DocumentID] = grant.CanWrite
		}
		encoded, err = s.encodeEntry(target, userID, writable)
		if err != nil {
			return err
		}
	}

	projectionID := documents.DocumentID(projection.DocumentID)
	return s.registry.Mutate(ctx, projectionID, userID, func(rep *replica.Replica) []byte {
		if visible {
			return rep.Set(projectionActor, target.DocumentID, encoded)
		}
		if _, present := rep.Get(target.DocumentID); !present {
			return nil
		}
		return rep.Remove(projectionActor, target.DocumentID)
	})
}

// AffectedUsers lists every user whose projection mirrors the document right
// now: the owner plus all live grant holders. Callers revoking access must
// capture the list before the mutation so the departing user is included.
func (s *Service) AffectedUsers(ctx context.Context, target documents.Document) ([]documents.UserID, error) {
	grants, err := s.store.ListGrants(ctx, documents.DocumentID(target.DocumentID))
	if err != nil {
		return nil, err
	}
	users := make([]documents.UserID, 0, len(grants)+1)
	users = append(users, documents.UserID(target.OwnerID))
	for _, grant := range grants {
		if grant.UserID == target.OwnerID {
			continue
		}
		users = append(users, documents.UserID(grant.UserID))
	}
	return users, nil
}

func (s *Service) encodeEntry(document documents.Document, userID documents.UserID, writable map[string]bool) ([]byte, error) {
	isOwner := document.OwnerID == userID.String()
	updatedAt := document.UpdatedAtSeconds
	if updatedAt == 0 {
		updatedAt = s.clock().UTC().Unix()
	}
	entry := Entry{
		Title:            document.Title,
		DocumentType:     document.DocumentType,
		Public:           document.Public,
		IsOwner:          isOwner,
		CanWrite:         isOwner || writable[document.DocumentID],
		UpdatedAtSeconds: updatedAt,
	}
	return json.Marshal(entry)
}
