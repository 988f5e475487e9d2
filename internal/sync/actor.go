package sync

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/quill/internal/documents"
	"github.com/MarcoPoloResearchLab/quill/internal/protocol"
	"github.com/MarcoPoloResearchLab/quill/internal/replica"
)

const mailboxCapacity = 256

// Session is one live connection observing a document. Send must not block:
// transports queue outbound frames and drop the connection on overflow.
type Session interface {
	ID() string
	Send(frame protocol.Frame)
}

// Store is the slice of the documents service the sync engine depends on.
type Store interface {
	ResolveUpdateSources(ctx context.Context, documentID documents.DocumentID) ([]documents.DocumentID, error)
	ListUpdatePayloads(ctx context.Context, documentID documents.DocumentID) ([][]byte, error)
	AppendUpdate(ctx context.Context, documentID documents.DocumentID, authorID documents.UserID, payload []byte) (documents.Update, error)
	UpdateMetadataSnapshot(ctx context.Context, documentID documents.DocumentID, metadataJSON string) error
	ResolvePermission(ctx context.Context, documentID documents.DocumentID, userID documents.UserID) (documents.PermissionLevel, error)
}

type attachRequest struct {
	session   Session
	author    documents.UserID
	hasAuthor bool
	readOnly  bool
	reply     chan error
}

type frameMessage struct {
	sessionID string
	frame     protocol.Frame
}

type detachRequest struct {
	sessionID string
	done      chan struct{}
}

type mutateRequest struct {
	author    documents.UserID
	hasAuthor bool
	mutate    func(*replica.Replica) []byte
	reply     chan error
}

type stopRequest struct {
	done chan struct{}
}

type attachedState struct {
	session   Session
	author    documents.UserID
	hasAuthor bool
	readOnly  bool
	actors    map[uint64]struct{}
}

// documentActor is the exclusive owner of one document's live replica. All
// mutation flows through its mailbox, so merge, persist and broadcast never
// race for the same document.
type documentActor struct {
	documentID documents.DocumentID
	store      Store
	logger     *zap.Logger
	clock      func() time.Time
	mailbox    chan interface{}
	done       chan struct{}
	sessions   map[string]*attachedState
	rep        *replica.Replica
	debounce   *metadataDebounce
	loaded     bool
}

func newDocumentActor(documentID documents.DocumentID, store Store, logger *zap.Logger, clock func() time.Time, debounce, maxStaleness time.Duration) *documentActor {
	return &documentActor{
		documentID: documentID,
		store:      store,
		logger:     logger,
		clock:      clock,
		mailbox:    make(chan interface{}, mailboxCapacity),
		done:       make(chan struct{}),
		sessions:   make(map[string]*attachedState),
		rep:        replica.New(),
		debounce:   newMetadataDebounce(debounce, maxStaleness),
	}
}

func (a *documentActor) run() {
	defer close(a.done)
	for {
		select {
		case message := <-a.mailbox:
			switch m := message.(type) {
			case attachRequest:
				m.reply <- a.handleAttach(m)
			case frameMessage:
				a.handleFrame(m)
			case detachRequest:
				a.handleDetach(m.sessionID)
				close(m.done)
			case mutateRequest:
				m.reply <- a.handleMutate(m)
			case stopRequest:
				a.flushMetadata()
				close(m.done)
				return
			}
		case <-a.debounce.timerChannel():
			a.flushMetadata()
		}
	}
}

func (a *documentActor) enqueue(message interface{}) {
	select {
	case a.mailbox <- message:
	case <-a.done:
	}
}

func (a *documentActor) attach(ctx context.Context, request attachRequest) error {
	request.reply = make(chan error, 1)
	select {
	case a.mailbox <- request:
	case <-a.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-request.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *documentActor) detach(sessionID string) {
	request := detachRequest{sessionID: sessionID, done: make(chan struct{})}
	select {
	case a.mailbox <- request:
	case <-a.done:
		return
	}
	select {
	case <-request.done:
	case <-a.done:
	}
}

func (a *documentActor) mutate(ctx context.Context, request mutateRequest) error {
	request.reply = make(chan error, 1)
	select {
	case a.mailbox <- request:
	case <-a.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-request.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *documentActor) stop() {
	request := stopRequest{done: make(chan struct{})}
	select {
	case a.mailbox <- request:
	case <-a.done:
		return
	}
	select {
	case <-request.done:
	case <-a.done:
	}
}

// handleAttach registers an observer. The very first attach replays the
// document's resolved update chain into the fresh replica before any new
// work is accepted. The join ack goes out here, inside the actor loop, so no
// broadcast the actor processes afterwards can overtake it.
func (a *documentActor) handleAttach(request attachRequest) error {
	if !a.loaded {
		if err := a.loadHistory(); err != nil {
			return err
		}
		a.loaded = true
	}
	a.sessions[request.session.ID()] = &attachedState{
		session:   request.session,
		author:    request.author,
		hasAuthor: request.hasAuthor,
		readOnly:  request.readOnly,
		actors:    make(map[uint64]struct{}),
	}
	request.session.Send(protocol.JoinAck(request.readOnly))
	return nil
}

func (a *documentActor) loadHistory() error {
	ctx := context.Background()
	sources, err := a.store.ResolveUpdateSources(ctx, a.documentID)
	if err != nil {
		return err
	}
	for _, source := range sources {
		payloads, err := a.store.ListUpdatePayloads(ctx, source)
		if err != nil {
			return err
		}
		for _, payload := range payloads {
			if _, mergeErr := a.rep.Merge(payload); mergeErr != nil {
				a.logger.Warn("skipping malformed stored update",
					zap.String("document_id", a.documentID.String()),
					zap.String("source_id", source.String()),
					zap.Error(mergeErr))
			}
		}
	}
	return nil
}

func (a *documentActor) handleFrame(message frameMessage) {
	state, ok := a.sessions[message.sessionID]
	if !ok {
		return
	}

	switch message.frame.Kind {
	case protocol.FrameSyncStep1:
		a.handleSyncStep1(state, message.frame)
	case protocol.FrameSyncStep2, protocol.FrameSyncUpdate:
		a.handleDelta(message.sessionID, state, message.frame)
	case protocol.FramePresenceQuery:
		state.session.Send(protocol.Frame{Kind: protocol.FramePresenceUpdate, Payload: a.rep.EncodePresence()})
	case protocol.FramePresenceUpdate:
		a.handlePresence(message.sessionID, state, message.frame)
	default:
	}
}

func (a *documentActor) handleSyncStep1(state *attachedState, frame protocol.Frame) {
	vector, err := replica.DecodeVector(frame.Payload)
	if err != nil {
		a.logger.Warn("rejecting malformed state vector",
			zap.String("document_id", a.documentID.String()),
			zap.Error(err))
		return
	}
	state.session.Send(protocol.Frame{Kind: protocol.FrameSyncStep2, Payload: a.rep.DiffSince(vector)})
}

// handleDelta merges an inbound delta, persists it under the session's
// author, and broadcasts the minimal applied delta to every other session.
// Persistence failure is logged but never rolls back the in-memory merge:
// live responsiveness wins over exactly-once durability.
func (a *documentActor) handleDelta(sessionID string, state *attachedState, frame protocol.Frame) {
	if state.readOnly {
		a.logger.Debug("dropping mutating frame from read-only session",
			zap.String("document_id", a.documentID.String()),
			zap.String("frame_kind", frame.Kind.String()))
		return
	}

	result, err := a.rep.Merge(frame.Payload)
	if err != nil {
		a.logger.Warn("rejecting malformed delta",
			zap.String("document_id", a.documentID.String()),
			zap.Error(err))
		return
	}
	for _, actor := range result.Actors {
		state.actors[actor] = struct{}{}
	}
	if len(result.Applied) == 0 {
		return
	}

	if state.hasAuthor {
		if _, persistErr := a.store.AppendUpdate(context.Background(), a.documentID, state.author, result.Applied); persistErr != nil {
			a.logger.Error("update persistence failed, replica keeps the mutation",
				zap.String("document_id", a.documentID.String()),
				zap.String("author_id", state.author.String()),
				zap.Error(persistErr))
		}
	}

	a.broadcast(sessionID, protocol.Frame{Kind: protocol.FrameSyncUpdate, Payload: result.Applied})

	for _, key := range result.ChangedKeys {
		if strings.HasPrefix(key, replica.MetadataKeyPrefix) {
			a.debounce.schedule(a.clock())
			break
		}
	}
}

func (a *documentActor) handlePresence(sessionID string, state *attachedState, frame protocol.Frame) {
	actors, err := a.rep.ApplyPresence(frame.Payload)
	if err != nil {
		a.logger.Warn("rejecting malformed presence payload",
			zap.String("document_id", a.documentID.String()),
			zap.Error(err))
		return
	}
	for _, actor := range actors {
		state.actors[actor] = struct{}{}
	}
	a.broadcast(sessionID, frame)
}

// handleDetach drops the session and garbage-collects the presence state it
// contributed, announcing the departures to the remaining observers.
func (a *documentActor) handleDetach(sessionID string) {
	state, ok := a.sessions[sessionID]
	if !ok {
		return
	}
	delete(a.sessions, sessionID)

	actors := make([]uint64, 0, len(state.actors))
	for actor := range state.actors {
		actors = append(actors, actor)
	}
	if cleared := a.rep.ClearPresence(actors); cleared != nil {
		a.broadcast(sessionID, protocol.Frame{Kind: protocol.FramePresenceUpdate, Payload: cleared})
	}
}

// handleMutate runs a server-originated write against the live replica,
// persisting the resulting delta and broadcasting it to every session.
func (a *documentActor) handleMutate(request mutateRequest) error {
	if !a.loaded {
		if err := a.loadHistory(); err != nil {
			return err
		}
		a.loaded = true
	}
	delta := request.mutate(a.rep)
	if len(delta) == 0 {
		return nil
	}
	if request.hasAuthor {
		if _, err := a.store.AppendUpdate(context.Background(), a.documentID, request.author, delta); err != nil {
			a.logger.Error("server mutation persistence failed, replica keeps the mutation",
				zap.String("document_id", a.documentID.String()),
				zap.Error(err))
			return err
		}
	}
	a.broadcast("", protocol.Frame{Kind: protocol.FrameSyncUpdate, Payload: delta})
	return nil
}

func (a *documentActor) broadcast(originSessionID string, frame protocol.Frame) {
	for sessionID, state := range a.sessions {
		if sessionID == originSessionID {
			continue
		}
		state.session.Send(frame)
	}
}

func (a *documentActor) flushMetadata() {
	if !a.debounce.pending {
		return
	}
	a.debounce.fired()

	snapshot := a.rep.MetadataSnapshot()
	blob, err := json.Marshal(snapshot)
	if err != nil {
		a.logger.Error("metadata snapshot serialization failed",
			zap.String("document_id", a.documentID.String()),
			zap.Error(err))
		return
	}
	if err := a.store.UpdateMetadataSnapshot(context.Background(), a.documentID, string(blob)); err != nil {
		a.logger.Error("metadata snapshot flush failed",
			zap.String("document_id", a.documentID.String()),
			zap.Error(err))
	}
}
