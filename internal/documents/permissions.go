package documents

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// PermissionLevel orders a user's effective capability on a document.
type PermissionLevel int

const (
	// PermissionNone means the document must appear to not exist.
	PermissionNone PermissionLevel = iota
	// PermissionRead allows observing state and presence but not mutating content.
	PermissionRead
	// PermissionWrite allows merging and persisting content deltas.
	PermissionWrite
	// PermissionOwner is full write plus lifecycle control.
	PermissionOwner
)

// CanWrite reports whether the level permits content mutation.
func (l PermissionLevel) CanWrite() bool {
	return l >= PermissionWrite
}

func (l PermissionLevel) String() string {
	switch l {
	case PermissionRead:
		return "read"
	case PermissionWrite:
		return "write"
	case PermissionOwner:
		return "owner"
	default:
		return "none"
	}
}

// ResolvePermission computes the effective permission of a user on a
// document: owner, then live grant, then the public flag. An empty user id
// is an anonymous caller, which only public documents admit. A missing
// document returns ErrDocumentNotFound; callers must collapse
// PermissionNone into the same outcome to avoid leaking existence.
func (s *Service) ResolvePermission(ctx context.Context, documentID DocumentID, userID UserID) (PermissionLevel, error) {
	document, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return PermissionNone, err
	}

	if userID != "" && document.OwnerID == userID.String() {
		return PermissionOwner, nil
	}

	if userID != "" {
		var grant AccessGrant
		grantErr := s.db.WithContext(ctx).
			Where(queryLiveGrant, documentID.String(), userID.String()).
			Take(&grant).Error
		if grantErr == nil {
			if grant.CanWrite {
				return PermissionWrite, nil
			}
			return PermissionRead, nil
		}
		if !errors.Is(grantErr, gorm.ErrRecordNotFound) {
			s.logError("documents.resolve_permission", reasonQueryFailed, grantErr)
			return PermissionNone, newServiceError("documents.resolve_permission", reasonQueryFailed, grantErr)
		}
	}

	if document.Public {
		return PermissionRead, nil
	}
	return PermissionNone, nil
}
