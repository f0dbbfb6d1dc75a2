package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/coin-ingest/internal/etl"
)

type csvFiles struct {
	name    string
	dir     string
	pattern string
	logger  *zap.Logger
}

type csvFile struct {
	path  string
	name  string
	mtime time.Time
}

func (c *csvFiles) Name() string { return c.name }
func (c *csvFiles) Kind() Kind   { return KindCSV }

// FetchSince parses every file matching the pattern whose mtime is newer
// than the watermark, oldest first. Each row's timestamp is its file's mtime.
func (c *csvFiles) FetchSince(ctx context.Context, wm etl.Watermark) (etl.Batch, error) {
	files, err := c.eligible(wm)
	if err != nil {
		return etl.Batch{}, err
	}
	if len(files) == 0 {
		return etl.Batch{}, nil
	}

	batch := etl.Batch{}
	consumed := make([]string, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return etl.Batch{}, fmt.Errorf("scan csv files: %w", err)
		}
		records, err := c.parse(f)
		if err != nil {
			return etl.Batch{}, err
		}
		batch.Records = append(batch.Records, records...)
		consumed = append(consumed, f.name)
	}
	batch.Cursor = consumed[len(consumed)-1]
	batch.Data = map[string]any{"files": consumed}
	c.logger.Debug("parsed csv files", zap.Strings("files", consumed), zap.Int("rows", len(batch.Records)))
	return batch, nil
}

func (c *csvFiles) eligible(wm etl.Watermark) ([]csvFile, error) {
	matches, err := filepath.Glob(filepath.Join(c.dir, c.pattern))
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", c.pattern, err)
	}
	if len(matches) == 0 {
		if _, statErr := os.Stat(c.dir); errors.Is(statErr, fs.ErrNotExist) {
			c.logger.Warn("csv directory does not exist", zap.String("dir", c.dir))
		}
		return nil, nil
	}

	files := make([]csvFile, 0, len(matches))
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			continue
		}
		mtime := etl.TruncateTimestamp(info.ModTime())
		if !wm.Admits(mtime) {
			continue
		}
		files = append(files, csvFile{path: path, name: filepath.Base(path), mtime: mtime})
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].mtime.Equal(files[j].mtime) {
			return files[i].mtime.Before(files[j].mtime)
		}
		return files[i].name < files[j].name
	})
	return files, nil
}

func (c *csvFiles) parse(f csvFile) ([]etl.RawRecord, error) {
	// #nosec G304 -- paths come from globbing the configured directory.
	file, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.name, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true
	// Ragged rows are kept; missing columns fail in normalization instead.
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", f.name, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	var records []etl.RawRecord
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.name, err)
		}
		line, _ := reader.FieldPos(0)
		fields := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(row) {
				fields[col] = row[i]
			}
		}
		payload, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("encode %s line %d: %w", f.name, line, err)
		}
		records = append(records, etl.RawRecord{
			Source:    c.name,
			SourceID:  fmt.Sprintf("%s:%d", f.name, line),
			Timestamp: f.mtime,
			Payload:   payload,
		})
	}
	return records, nil
}
