// Package lineage archives raw batches to blob storage as JSON Lines.
package lineage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/coin-ingest/internal/etl"
)

// ContentType is the media type of archived batches.
const ContentType = "application/x-ndjson"

// Archiver writes one object per run.
type Archiver struct {
	blobs etl.BlobStore
}

// New returns an Archiver over blobs.
func New(blobs etl.BlobStore) *Archiver {
	return &Archiver{blobs: blobs}
}

// Path returns <source>/<yyyy>/<mm>/<dd>/run-<id>.jsonl for a run started at.
func Path(source string, runID int64, at time.Time) string {
	return fmt.Sprintf("%s/%s/run-%d.jsonl", source, at.UTC().Format("2006/01/02"), runID)
}

// Archive writes records, one JSON object per line, and returns the object URI.
// Empty batches are not archived.
func (a *Archiver) Archive(ctx context.Context, source string, runID int64, at time.Time, records []etl.RawRecord) (string, error) {
	if len(records) == 0 {
		return "", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range records {
		if err := enc.Encode(records[i]); err != nil {
			return "", fmt.Errorf("encode record %s: %w", records[i].SourceID, err)
		}
	}
	uri, err := a.blobs.PutObject(ctx, Path(source, runID, at), ContentType, &buf)
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return uri, nil
}
