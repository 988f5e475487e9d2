package sync

import (
	"context"
	stdsync "sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/quill/internal/documents"
	"github.com/MarcoPoloResearchLab/quill/internal/protocol"
)

// fakeStore is an in-memory Store with per-document update logs and a
// permission table keyed by "document|user".
type fakeStore struct {
	mu          stdsync.Mutex
	docs        map[documents.DocumentID]bool
	permissions map[string]documents.PermissionLevel
	sources     map[documents.DocumentID][]documents.DocumentID
	logs        map[documents.DocumentID][][]byte
	authors     map[documents.DocumentID][]documents.UserID
	metadata    map[documents.DocumentID]string
	appendErr   error
	flushGate   chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:        make(map[documents.DocumentID]bool),
		permissions: make(map[string]documents.PermissionLevel),
		sources:     make(map[documents.DocumentID][]documents.DocumentID),
		logs:        make(map[documents.DocumentID][][]byte),
		authors:     make(map[documents.DocumentID][]documents.UserID),
		metadata:    make(map[documents.DocumentID]string),
	}
}

func (s *fakeStore) addDocument(documentID documents.DocumentID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[documentID] = true
}

func (s *fakeStore) setPermission(documentID documents.DocumentID, userID documents.UserID, level documents.PermissionLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[documentID] = true
	s.permissions[documentID.String()+"|"+userID.String()] = level
}

func (s *fakeStore) seedUpdate(documentID documents.DocumentID, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[documentID] = append(s.logs[documentID], payload)
}

func (s *fakeStore) setSources(documentID documents.DocumentID, chain []documents.DocumentID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[documentID] = chain
}

func (s *fakeStore) updateCount(documentID documents.DocumentID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs[documentID])
}

func (s *fakeStore) lastAuthor(documentID documents.DocumentID) documents.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	authors := s.authors[documentID]
	if len(authors) == 0 {
		return ""
	}
	return authors[len(authors)-1]
}

func (s *fakeStore) metadataBlob(documentID documents.DocumentID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata[documentID]
}

func (s *fakeStore) ResolveUpdateSources(_ context.Context, documentID documents.DocumentID) ([]documents.DocumentID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chain, ok := s.sources[documentID]; ok {
		return chain, nil
	}
	if !s.docs[documentID] {
		return nil, documents.ErrDocumentNotFound
	}
	return []documents.DocumentID{documentID}, nil
}

func (s *fakeStore) ListUpdatePayloads(_ context.Context, documentID documents.DocumentID) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payloads := make([][]byte, len(s.logs[documentID]))
	copy(payloads, s.logs[documentID])
	return payloads, nil
}

func (s *fakeStore) AppendUpdate(_ context.Context, documentID documents.DocumentID, authorID documents.UserID, payload []byte) (documents.Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return documents.Update{}, s.appendErr
	}
	s.logs[documentID] = append(s.logs[documentID], payload)
	s.authors[documentID] = append(s.authors[documentID], authorID)
	return documents.Update{DocumentID: documentID.String(), AuthorID: authorID.String()}, nil
}

// setFlushGate makes subsequent metadata flushes block until the channel is
// closed, simulating a slow snapshot write.
func (s *fakeStore) setFlushGate(gate chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushGate = gate
}

func (s *fakeStore) UpdateMetadataSnapshot(_ context.Context, documentID documents.DocumentID, metadataJSON string) error {
	s.mu.Lock()
	gate := s.flushGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[documentID] = metadataJSON
	return nil
}

func (s *fakeStore) ResolvePermission(_ context.Context, documentID documents.DocumentID, userID documents.UserID) (documents.PermissionLevel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.docs[documentID] {
		return documents.PermissionNone, documents.ErrDocumentNotFound
	}
	return s.permissions[documentID.String()+"|"+userID.String()], nil
}

// fakeSession captures frames on a buffered channel so tests can wait for
// asynchronous broadcasts.
type fakeSession struct {
	sessionID string
	frames    chan protocol.Frame
}

func newFakeSession(sessionID string) *fakeSession {
	return &fakeSession{sessionID: sessionID, frames: make(chan protocol.Frame, 32)}
}

func (s *fakeSession) ID() string {
	return s.sessionID
}

func (s *fakeSession) Send(frame protocol.Frame) {
	select {
	case s.frames <- frame:
	default:
	}
}

func (s *fakeSession) waitFrame(t *testing.T, kind protocol.FrameKind) protocol.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-s.frames:
			if frame.Kind == kind {
				return frame
			}
		case <-deadline:
			t.Fatalf("session %s: timed out waiting for %s frame", s.sessionID, kind)
			return protocol.Frame{}
		}
	}
}

func (s *fakeSession) expectNoFrame(t *testing.T, kind protocol.FrameKind, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case frame := <-s.frames:
			if frame.Kind == kind {
				t.Fatalf("session %s: unexpected %s frame", s.sessionID, kind)
			}
		case <-deadline:
			return
		}
	}
}

func newTestGateway(t *testing.T, store Store) (*Gateway, *Registry) {
	t.Helper()
	registry, err := NewRegistry(RegistryConfig{
		Store:                store,
		Logger:               zap.NewNop(),
		MetadataDebounce:     20 * time.Millisecond,
		MetadataMaxStaleness: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	t.Cleanup(registry.Shutdown)

	gateway, err := NewGateway(GatewayConfig{Store: store, Registry: registry, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to construct gateway: %v", err)
	}
	return gateway, registry
}
