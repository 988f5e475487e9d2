package documents

import (
	"context"
	"encoding/base64"

	"go.uber.org/zap"
)

const (
	opAppendUpdate   = "documents.append_update"
	opListUpdates    = "documents.list_updates"
	opUpdateMetadata = "documents.update_metadata_snapshot"

	queryLiveUpdates = "document_id = ? AND deleted_at_s = 0"
	orderUpdateIDAsc = "update_id ASC"

	reasonPayloadInvalid = "payload_invalid"
)

// AppendUpdate persists one binary delta to the append-only update log.
func (s *Service) AppendUpdate(ctx context.Context, documentID DocumentID, authorID UserID, payload []byte) (Update, error) {
	if len(payload) == 0 {
		return Update{}, newServiceError(opAppendUpdate, reasonPayloadInvalid, ErrInvalidDocumentID)
	}
	update := Update{
		DocumentID:       documentID.String(),
		AuthorID:         authorID.String(),
		PayloadB64:       base64.StdEncoding.EncodeToString(payload),
		AppliedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&update).Error; err != nil {
		s.logError(opAppendUpdate, reasonSaveFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return Update{}, newServiceError(opAppendUpdate, reasonSaveFailed, err)
	}
	return update, nil
}

// ListUpdatePayloads returns the decoded live delta payloads for one
// document in creation order.
func (s *Service) ListUpdatePayloads(ctx context.Context, documentID DocumentID) ([][]byte, error) {
	var updates []Update
	err := s.db.WithContext(ctx).
		Where(queryLiveUpdates, documentID.String()).
		Order(orderUpdateIDAsc).
		Find(&updates).Error
	if err != nil {
		s.logError(opListUpdates, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return nil, newServiceError(opListUpdates, reasonQueryFailed, err)
	}

	payloads := make([][]byte, 0, len(updates))
	for _, update := range updates {
		payload, decodeErr := base64.StdEncoding.DecodeString(update.PayloadB64)
		if decodeErr != nil {
			s.logError(opListUpdates, reasonPayloadInvalid, decodeErr,
				zap.String(fieldDocumentID, documentID.String()),
				zap.Int64("update_id", update.UpdateID))
			return nil, newServiceError(opListUpdates, reasonPayloadInvalid, decodeErr)
		}
		payloads = append(payloads, payload)
	}
	return payloads, nil
}

// CountUpdatesByAuthor reports how many live updates a given author has
// written to a document.
func (s *Service) CountUpdatesByAuthor(ctx context.Context, documentID DocumentID, authorID UserID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Update{}).
		Where("document_id = ? AND author_id = ? AND deleted_at_s = 0", documentID.String(), authorID.String()).
		Count(&count).Error
	if err != nil {
		s.logError(opListUpdates, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return 0, newServiceError(opListUpdates, reasonQueryFailed, err)
	}
	return count, nil
}

// UpdateMetadataSnapshot writes the denormalized metadata JSON blob onto the
// document row. Used by the metadata projector on debounce fire.
func (s *Service) UpdateMetadataSnapshot(ctx context.Context, documentID DocumentID, metadataJSON string) error {
	now := s.clock().UTC().Unix()
	err := s.db.WithContext(ctx).Model(&Document{}).
		Where(queryLiveDocument, documentID.String()).
		Updates(map[string]interface{}{"metadata_json": metadataJSON, "updated_at_s": now}).Error
	if err != nil {
		s.logError(opUpdateMetadata, reasonSaveFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return newServiceError(opUpdateMetadata, reasonSaveFailed, err)
	}
	return nil
}
