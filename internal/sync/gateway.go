package sync

import (
	"context"
	"errors"
	stdsync "sync"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/quill/internal/documents"
	"github.com/MarcoPoloResearchLab/quill/internal/protocol"
)

var errMissingRegistry = errors.New("sync: registry is required")

// GatewayConfig describes the dependencies of the session gateway.
type GatewayConfig struct {
	Store    Store
	Registry *Registry
	Logger   *zap.Logger
}

// Gateway is the per-connection entry point. It resolves the caller's
// permission before attaching to a document actor and keeps filtering
// mutating frames for read-only sessions afterwards.
type Gateway struct {
	store    Store
	registry *Registry
	logger   *zap.Logger
}

// NewGateway validates the configuration and constructs the gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
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
	return &Gateway{store: cfg.Store, registry: cfg.Registry, logger: logger}, nil
}

// AttachedSession is the handle a transport holds on a joined document.
type AttachedSession struct {
	gateway    *Gateway
	actor      *documentActor
	documentID documents.DocumentID
	sessionID  string
	readOnly   bool
	leaveOnce  stdsync.Once
}

// Join resolves the caller's effective permission and attaches the session.
// An empty user id is an anonymous caller. A missing document and a document
// the caller may not see yield the identical ErrDocumentNotFound, so
// unauthorized callers cannot probe for existence. On success the join
// acknowledgment frame is queued before any other traffic.
func (g *Gateway) Join(ctx context.Context, documentID documents.DocumentID, userID documents.UserID, session Session) (*AttachedSession, error) {
	level, err := g.store.ResolvePermission(ctx, documentID, userID)
	if err != nil {
		if errors.Is(err, documents.ErrDocumentNotFound) {
			return nil, documents.ErrDocumentNotFound
		}
		g.logger.Error("permission resolution failed",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		return nil, err
	}
	if level == documents.PermissionNone {
		return nil, documents.ErrDocumentNotFound
	}

	readOnly := !level.CanWrite()
	request := attachRequest{
		session:   session,
		author:    userID,
		hasAuthor: userID != "",
		readOnly:  readOnly,
	}
	actor, err := g.registry.attach(ctx, documentID, request)
	if err != nil {
		g.logger.Error("document attach failed",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		return nil, err
	}

	return &AttachedSession{
		gateway:    g,
		actor:      actor,
		documentID: documentID,
		sessionID:  session.ID(),
		readOnly:   readOnly,
	}, nil
}

// ReadOnly reports the effective mode resolved at join time.
func (s *AttachedSession) ReadOnly() bool {
	return s.readOnly
}

// Deliver forwards one inbound frame to the document actor. For read-only
// sessions mutating frame kinds are silently dropped: never merged, never
// persisted, never broadcast.
func (s *AttachedSession) Deliver(frame protocol.Frame) {
	if frame.Kind == protocol.FrameJoinAck {
		return
	}
	if s.readOnly && frame.Kind.Mutating() {
		s.gateway.logger.Debug("dropping mutating frame from read-only session",
			zap.String("document_id", s.documentID.String()),
			zap.String("frame_kind", frame.Kind.String()))
		return
	}
	s.actor.enqueue(frameMessage{sessionID: s.sessionID, frame: frame})
}

// Leave detaches the session. It is immediate and idempotent; the actor
// stops once its last observer is gone.
func (s *AttachedSession) Leave() {
	s.leaveOnce.Do(func() {
		s.gateway.registry.release(s.documentID, s.sessionID)
	})
}
