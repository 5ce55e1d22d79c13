package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/medcortex/records-web-ui/internal/models"
	"github.com/medcortex/records-web-ui/internal/services"
)

// ResolutionKind is the three-way outcome of a duplicate-aware document upload.
type ResolutionKind string

const (
	// ResolutionUploaded means the document was new and has been created.
	ResolutionUploaded ResolutionKind = "uploaded"
	// ResolutionDuplicateSame means an identical document already exists under the
	// same patient profile; callers may reuse it and continue processing.
	ResolutionDuplicateSame ResolutionKind = "duplicate-same"
	// ResolutionDuplicateOther means the identical document belongs to a different
	// patient profile. Reuse across profiles is disallowed, so callers must surface
	// this as a hard failure.
	ResolutionDuplicateOther ResolutionKind = "duplicate-other"
)

// Resolution is the outcome of one Upload call. DocumentID is the created document
// for ResolutionUploaded and the pre-existing one for both duplicate outcomes.
type Resolution struct {
	Kind       ResolutionKind
	DocumentID int64
}

// DocumentStore is the slice of the records client the uploader needs: document
// creation that reports duplicates as *services.ConflictError, and metadata lookup to
// resolve the duplicate's owner.
type DocumentStore interface {
	UploadDocument(ctx context.Context, patientID string, file models.Upload) (int64, error)
	Document(ctx context.Context, id int64) (models.Document, error)
}

// Uploader makes "upload if new, else tell me what happened" a single operation. The
// backend rejects duplicate content instead of silently deduplicating; Uploader
// resolves whether the duplicate belongs to the uploading profile or another one.
type Uploader struct {
	store DocumentStore

	logger *slog.Logger
}

// NewUploader creates an Uploader backed by the given document store.
func NewUploader(store DocumentStore, logger *slog.Logger) Uploader {
	return Uploader{
		store:  store,
		logger: logger.With(slog.String("module", "upload")),
	}
}

// Upload attempts to create the document under the given patient profile. A duplicate
// rejection is resolved into ResolutionDuplicateSame or ResolutionDuplicateOther by
// fetching the existing document and comparing its owner against patientID. Any error
// other than the duplicate rejection propagates unchanged, including a failure to
// fetch the conflicting document.
func (u Uploader) Upload(ctx context.Context, patientID string, file models.Upload) (Resolution, error) {
	id, err := u.store.UploadDocument(ctx, patientID, file)
	if err == nil {
		return Resolution{Kind: ResolutionUploaded, DocumentID: id}, nil
	}

	var conflict *services.ConflictError
	if !errors.As(err, &conflict) {
		return Resolution{}, err
	}

	doc, err := u.store.Document(ctx, conflict.ExistingID)
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to resolve duplicate document %d: %w", conflict.ExistingID, err)
	}

	if doc.PatientID == patientID {
		u.logger.Debug("Reusing duplicate document",
			slog.Int64("documentID", doc.ID),
			slog.String("patientID", patientID))
		return Resolution{Kind: ResolutionDuplicateSame, DocumentID: doc.ID}, nil
	}

	u.logger.Warn("Duplicate document belongs to another profile",
		slog.Int64("documentID", doc.ID),
		slog.String("patientID", patientID),
		slog.String("ownerID", doc.PatientID))
	return Resolution{Kind: ResolutionDuplicateOther, DocumentID: doc.ID}, nil
}
