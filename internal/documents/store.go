package documents

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opCreateDocument     = "documents.create_document"
	opGetDocument        = "documents.get_document"
	opListVisible        = "documents.list_visible_documents"
	opRenameDocument     = "documents.rename_document"
	opSetDocumentPublic  = "documents.set_document_public"
	opSetBaseDocument    = "documents.set_base_document"
	opSoftDeleteDocument = "documents.soft_delete_document"
	opUpsertGrant        = "documents.upsert_grant"
	opRevokeGrant        = "documents.revoke_grant"
	opListGrants         = "documents.list_grants"

	queryLiveDocument = "document_id = ? AND deleted_at_s = 0"
	queryLiveGrant    = "document_id = ? AND user_id = ? AND deleted_at_s = 0"
	queryLiveGrants   = "document_id = ? AND deleted_at_s = 0"

	reasonQueryFailed        = "query_failed"
	reasonSaveFailed         = "save_failed"
	reasonIDGenerationFailed = "id_generation_failed"
)

// CreateDocumentRequest describes a new document.
type CreateDocumentRequest struct {
	OwnerID        UserID
	DocumentType   DocumentType
	Title          string
	Public         bool
	BaseDocumentID DocumentID
}

// CreateDocument inserts a new live document row and returns it.
func (s *Service) CreateDocument(ctx context.Context, request CreateDocumentRequest) (Document, error) {
	if request.OwnerID == "" {
		return Document{}, newServiceError(opCreateDocument, "missing_owner", ErrInvalidUserID)
	}
	if _, err := NewDocumentType(request.DocumentType.String()); err != nil {
		return Document{}, newServiceError(opCreateDocument, "invalid_type", err)
	}
	if request.BaseDocumentID != "" {
		if err := s.requireBaseVisible(ctx, request.BaseDocumentID, request.OwnerID); err != nil {
			return Document{}, newServiceError(opCreateDocument, "missing_base", err)
		}
	}

	documentID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateDocument, reasonIDGenerationFailed, err)
		return Document{}, newServiceError(opCreateDocument, reasonIDGenerationFailed, err)
	}

	now := s.clock().UTC().Unix()
	document := Document{
		DocumentID:       documentID,
		OwnerID:          request.OwnerID.String(),
		DocumentType:     request.DocumentType.String(),
		Title:            request.Title,
		Public:           request.Public,
		MetadataJSON:     "{}",
		BaseDocumentID:   request.BaseDocumentID.String(),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Create(&document).Error; err != nil {
		s.logError(opCreateDocument, reasonSaveFailed, err, zap.String(fieldDocumentID, documentID))
		return Document{}, newServiceError(opCreateDocument, reasonSaveFailed, err)
	}
	return document, nil
}

// GetDocument returns the live document row or ErrDocumentNotFound.
func (s *Service) GetDocument(ctx context.Context, documentID DocumentID) (Document, error) {
	var document Document
	err := s.db.WithContext(ctx).
		Where(queryLiveDocument, documentID.String()).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		s.logError(opGetDocument, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return Document{}, newServiceError(opGetDocument, reasonQueryFailed, err)
	}
	return document, nil
}

// ListVisibleDocuments returns every live document the user owns or holds a
// live grant on, most recently updated first.
func (s *Service) ListVisibleDocuments(ctx context.Context, userID UserID) ([]Document, error) {
	var documents []Document
	err := s.db.WithContext(ctx).
		Where("deleted_at_s = 0 AND (owner_id = ? OR document_id IN (?))",
			userID.String(),
			s.db.Model(&AccessGrant{}).
				Select("document_id").
				Where("user_id = ? AND deleted_at_s = 0", userID.String()),
		).
		Order("updated_at_s DESC").
		Find(&documents).Error
	if err != nil {
		s.logError(opListVisible, reasonQueryFailed, err, zap.String(fieldUserID, userID.String()))
		return nil, newServiceError(opListVisible, reasonQueryFailed, err)
	}
	return documents, nil
}

// FindOwnedByType returns the live document of the given type owned by the
// user, or ErrDocumentNotFound. Used to locate singleton documents such as
// the per-user document-list projection.
func (s *Service) FindOwnedByType(ctx context.Context, ownerID UserID, documentType DocumentType) (Document, error) {
	var document Document
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND document_type = ? AND deleted_at_s = 0", ownerID.String(), documentType.String()).
		Order("created_at_s ASC").
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		s.logError(opGetDocument, reasonQueryFailed, err, zap.String(fieldUserID, ownerID.String()))
		return Document{}, newServiceError(opGetDocument, reasonQueryFailed, err)
	}
	return document, nil
}

// RenameDocument sets a new title on a live document.
func (s *Service) RenameDocument(ctx context.Context, documentID DocumentID, title string) (Document, error) {
	return s.mutateDocument(ctx, opRenameDocument, documentID, func(document *Document) error {
		document.Title = title
		return nil
	})
}

// SetDocumentPublic toggles the public read flag on a live document.
func (s *Service) SetDocumentPublic(ctx context.Context, documentID DocumentID, public bool) (Document, error) {
	return s.mutateDocument(ctx, opSetDocumentPublic, documentID, func(document *Document) error {
		document.Public = public
		return nil
	})
}

// SetBaseDocument points a document at a base document whose update history
// is replayed first. The user must be able to read the base, since attaching
// to the document replays the base's content. Assignments that would close a
// reference cycle are rejected with ErrInheritanceCycle; an empty base id
// clears the reference.
func (s *Service) SetBaseDocument(ctx context.Context, documentID, baseDocumentID DocumentID, userID UserID) (Document, error) {
	if baseDocumentID != "" {
		if err := s.requireBaseVisible(ctx, baseDocumentID, userID); err != nil {
			return Document{}, err
		}
		if err := s.checkInheritanceCycle(ctx, documentID, baseDocumentID); err != nil {
			return Document{}, err
		}
	}
	return s.mutateDocument(ctx, opSetBaseDocument, documentID, func(document *Document) error {
		document.BaseDocumentID = baseDocumentID.String()
		return nil
	})
}

// requireBaseVisible enforces read access on a proposed base document. A base
// the user may not see answers with the same ErrDocumentNotFound as a missing
// one, so base assignment cannot probe for existence.
func (s *Service) requireBaseVisible(ctx context.Context, baseDocumentID DocumentID, userID UserID) error {
	level, err := s.ResolvePermission(ctx, baseDocumentID, userID)
	if err != nil {
		return err
	}
	if level == PermissionNone {
		return ErrDocumentNotFound
	}
	return nil
}

// SoftDeleteDocument marks a live document as deleted. The update log is kept.
func (s *Service) SoftDeleteDocument(ctx context.Context, documentID DocumentID) (Document, error) {
	now := s.clock().UTC().Unix()
	return s.mutateDocument(ctx, opSoftDeleteDocument, documentID, func(document *Document) error {
		document.DeletedAtSeconds = now
		return nil
	})
}

func (s *Service) mutateDocument(ctx context.Context, operation string, documentID DocumentID, mutate func(*Document) error) (Document, error) {
	var document Document
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryLiveDocument, documentID.String()).
			Take(&document).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrDocumentNotFound
		}
		if err != nil {
			s.logError(operation, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(operation, reasonQueryFailed, err)
		}
		if err := mutate(&document); err != nil {
			return err
		}
		document.UpdatedAtSeconds = s.clock().UTC().Unix()
		if err := tx.Save(&document).Error; err != nil {
			s.logError(operation, reasonSaveFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(operation, reasonSaveFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return Document{}, txErr
	}
	return document, nil
}

// UpsertGrant shares a document with a user. An existing live grant for the
// pair is updated in place so at most one live grant exists per pair.
func (s *Service) UpsertGrant(ctx context.Context, documentID DocumentID, userID UserID, canWrite bool) (AccessGrant, error) {
	var grant AccessGrant
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock().UTC().Unix()
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryLiveGrant, documentID.String(), userID.String()).
			Take(&grant).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			grantID, idErr := s.idProvider.NewID()
			if idErr != nil {
				s.logError(opUpsertGrant, reasonIDGenerationFailed, idErr)
				return newServiceError(opUpsertGrant, reasonIDGenerationFailed, idErr)
			}
			grant = AccessGrant{
				GrantID:          grantID,
				DocumentID:       documentID.String(),
				UserID:           userID.String(),
				CanWrite:         canWrite,
				CreatedAtSeconds: now,
				UpdatedAtSeconds: now,
			}
			if createErr := tx.Create(&grant).Error; createErr != nil {
				s.logError(opUpsertGrant, reasonSaveFailed, createErr, zap.String(fieldDocumentID, documentID.String()))
				return newServiceError(opUpsertGrant, reasonSaveFailed, createErr)
			}
			return nil
		}
		if err != nil {
			s.logError(opUpsertGrant, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(opUpsertGrant, reasonQueryFailed, err)
		}
		grant.CanWrite = canWrite
		grant.UpdatedAtSeconds = now
		if saveErr := tx.Save(&grant).Error; saveErr != nil {
			s.logError(opUpsertGrant, reasonSaveFailed, saveErr, zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(opUpsertGrant, reasonSaveFailed, saveErr)
		}
		return nil
	})
	if txErr != nil {
		return AccessGrant{}, txErr
	}
	return grant, nil
}

// RevokeGrant soft-deletes the live grant for the pair. Revoking an absent
// grant is a no-op.
func (s *Service) RevokeGrant(ctx context.Context, documentID DocumentID, userID UserID) error {
	now := s.clock().UTC().Unix()
	err := s.db.WithContext(ctx).Model(&AccessGrant{}).
		Where(queryLiveGrant, documentID.String(), userID.String()).
		Updates(map[string]interface{}{"deleted_at_s": now, "updated_at_s": now}).Error
	if err != nil {
		s.logError(opRevokeGrant, reasonSaveFailed, err,
			zap.String(fieldDocumentID, documentID.String()),
			zap.String(fieldUserID, userID.String()))
		return newServiceError(opRevokeGrant, reasonSaveFailed, err)
	}
	return nil
}

// ListGrantsForUser returns every live grant held by the user.
func (s *Service) ListGrantsForUser(ctx context.Context, userID UserID) ([]AccessGrant, error) {
	var grants []AccessGrant
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND deleted_at_s = 0", userID.String()).
		Find(&grants).Error
	if err != nil {
		s.logError(opListGrants, reasonQueryFailed, err, zap.String(fieldUserID, userID.String()))
		return nil, newServiceError(opListGrants, reasonQueryFailed, err)
	}
	return grants, nil
}

// ListGrants returns the live grants on a document.
func (s *Service) ListGrants(ctx context.Context, documentID DocumentID) ([]AccessGrant, error) {
	var grants []AccessGrant
	err := s.db.WithContext(ctx).
		Where(queryLiveGrants, documentID.String()).
		Order("created_at_s ASC").
		Find(&grants).Error
	if err != nil {
		s.logError(opListGrants, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return nil, newServiceError(opListGrants, reasonQueryFailed, err)
	}
	return grants, nil
}
