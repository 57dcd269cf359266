package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/senzu-ai/senzu/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// PredictionArchiveStore is the slice of the prediction store the archiver
// reads from.
type PredictionArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.PredictionResult, error)
}

// ArchiveRecorder receives the number of archived rows. *metrics.Manager
// satisfies it.
type ArchiveRecorder interface {
	RecordArchived(n int64)
}

// Archiver implements domain.Archiver. Archived rows stay in the primary
// store; pruning them is a separate step run after the upload is verified.
type Archiver struct {
	writer      domain.BlobWriter
	predictions PredictionArchiveStore
	audit       domain.AuditStore
	metrics     ArchiveRecorder
	logger      *slog.Logger
}

// NewArchiver creates an Archiver. metrics may be nil.
func NewArchiver(
	writer domain.BlobWriter,
	predictions PredictionArchiveStore,
	audit domain.AuditStore,
	metrics ArchiveRecorder,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		writer:      writer,
		predictions: predictions,
		audit:       audit,
		metrics:     metrics,
		logger:      logger.With(slog.String("component", "archiver")),
	}
}

// ArchivePredictions uploads every prediction computed before the cutoff to
// archive/predictions/YYYY-MM.jsonl and records an audit entry. Payloads
// larger than MinPartSize go through a multipart upload.
func (a *Archiver) ArchivePredictions(ctx context.Context, before time.Time) (int64, error) {
	preds, err := a.predictions.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive predictions query: %w", err)
	}
	if len(preds) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(preds)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive predictions marshal: %w", err)
	}

	path := archivePath("predictions", before)
	if int64(len(buf)) > MinPartSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), MinPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive predictions upload: %w", err)
	}

	count := int64(len(preds))
	if a.metrics != nil {
		a.metrics.RecordArchived(count)
	}
	a.logger.InfoContext(ctx, "predictions archived",
		slog.String("path", path),
		slog.Int64("count", count),
		slog.Int("bytes", len(buf)),
	)

	if err := a.audit.Log(ctx, "archive.predictions", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.UTC().Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive predictions audit log: %w", err)
	}
	return count, nil
}

// archivePath partitions archives by the cutoff's UTC month, e.g.
// archive/predictions/2025-01.jsonl.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01"))
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
