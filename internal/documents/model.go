package documents

import (
	"errors"
	"fmt"
	"strings"
)

// DocumentType enumerates the closed set of synchronized document kinds.
type DocumentType string

const (
	// DocumentTypeNote is a user-authored content document.
	DocumentTypeNote DocumentType = "note"
	// DocumentTypeTheme is a settings document that may inherit from a base theme.
	DocumentTypeTheme DocumentType = "theme"
	// DocumentTypeDocumentList is the per-user projection summarizing visible documents.
	DocumentTypeDocumentList DocumentType = "document-list"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates a document identifier that is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("documents: invalid document id")
	// ErrInvalidUserID indicates a user identifier that is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("documents: invalid user id")
	// ErrInvalidDocumentType indicates a document type outside the closed set.
	ErrInvalidDocumentType = errors.New("documents: invalid document type")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// NewDocumentType validates raw input against the closed type set.
func NewDocumentType(rawInput string) (DocumentType, error) {
	switch DocumentType(strings.ToLower(strings.TrimSpace(rawInput))) {
	case DocumentTypeNote:
		return DocumentTypeNote, nil
	case DocumentTypeTheme:
		return DocumentTypeTheme, nil
	case DocumentTypeDocumentList:
		return DocumentTypeDocumentList, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDocumentType, rawInput)
	}
}

// String returns the underlying type name.
func (t DocumentType) String() string {
	return string(t)
}

// Document is the relational mirror row for a synchronized document. The
// metadata blob is a denormalized JSON snapshot kept eventually consistent
// by the metadata projector.
type Document struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_documents_owner"`
	DocumentType     string `gorm:"column:document_type;size:32;not null"`
	Title            string `gorm:"column:title;size:320;not null;default:''"`
	Public           bool   `gorm:"column:is_public;not null;default:false"`
	MetadataJSON     string `gorm:"column:metadata_json;type:text;not null;default:'{}'"`
	BaseDocumentID   string `gorm:"column:base_document_id;size:190;not null;default:''"`
	DeletedAtSeconds int64  `gorm:"column:deleted_at_s;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Update is one append-only CRDT delta. Rows are never mutated after insert,
// only soft-deleted; replaying the live rows in update id order reconstructs
// the replica.
type Update struct {
	UpdateID         int64  `gorm:"column:update_id;primaryKey;autoIncrement"`
	DocumentID       string `gorm:"column:document_id;size:190;not null;index:idx_updates_document"`
	AuthorID         string `gorm:"column:author_id;size:190;not null;default:''"`
	PayloadB64       string `gorm:"column:payload_b64;type:text;not null"`
	DeletedAtSeconds int64  `gorm:"column:deleted_at_s;not null;default:0"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Update) TableName() string {
	return "document_updates"
}

// AccessGrant shares a document with a user, optionally with write capability.
// At most one live grant exists per (document, user) pair.
type AccessGrant struct {
	GrantID          string `gorm:"column:grant_id;primaryKey;size:190;not null"`
	DocumentID       string `gorm:"column:document_id;size:190;not null;index:idx_grants_document_user,priority:1"`
	UserID           string `gorm:"column:user_id;size:190;not null;index:idx_grants_document_user,priority:2"`
	CanWrite         bool   `gorm:"column:can_write;not null;default:false"`
	DeletedAtSeconds int64  `gorm:"column:deleted_at_s;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AccessGrant) TableName() string {
	return "document_grants"
}
