package documents

import (
	"context"
	"errors"
)

const opResolveUpdateSources = "documents.resolve_update_sources"

// ResolveUpdateSources walks the base-document chain of the given document
// and returns the ordered list of document ids whose updates must be
// replayed to reconstruct full state, base-most first and the document
// itself last.
//
// The walk is defensive: a missing intermediate document or an already
// visited id silently truncates the chain there. Cycle creation is rejected
// at write time by SetBaseDocument, so truncation only fires on data that
// predates that check or was lost to a cascade.
func (s *Service) ResolveUpdateSources(ctx context.Context, documentID DocumentID) ([]DocumentID, error) {
	document, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	chain := []DocumentID{documentID}
	visited := map[DocumentID]struct{}{documentID: {}}

	next := DocumentID(document.BaseDocumentID)
	for next != "" {
		if _, seen := visited[next]; seen {
			break
		}
		base, err := s.GetDocument(ctx, next)
		if errors.Is(err, ErrDocumentNotFound) {
			break
		}
		if err != nil {
			return nil, newServiceError(opResolveUpdateSources, reasonQueryFailed, err)
		}
		visited[next] = struct{}{}
		chain = append(chain, next)
		next = DocumentID(base.BaseDocumentID)
	}

	// Reverse so the base-most ancestor replays first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// checkInheritanceCycle verifies that pointing documentID at baseDocumentID
// does not close a cycle. It walks from the proposed base toward the root;
// reaching documentID means the assignment would loop.
func (s *Service) checkInheritanceCycle(ctx context.Context, documentID, baseDocumentID DocumentID) error {
	if documentID == baseDocumentID {
		return ErrInheritanceCycle
	}
	visited := map[DocumentID]struct{}{documentID: {}}
	next := baseDocumentID
	for next != "" {
		if next == documentID {
			return ErrInheritanceCycle
		}
		if _, seen := visited[next]; seen {
			// The existing chain already loops below the proposed base;
			// the assignment itself is still acyclic from documentID.
			return nil
		}
		visited[next] = struct{}{}
		base, err := s.GetDocument(ctx, next)
		if errors.Is(err, ErrDocumentNotFound) {
			return err
		}
		if err != nil {
			return newServiceError(opSetBaseDocument, reasonQueryFailed, err)
		}
		next = DocumentID(base.BaseDocumentID)
	}
	return nil
}
