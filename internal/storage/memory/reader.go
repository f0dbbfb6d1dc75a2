package memory

import (
	"context"
	"sort"

	"github.com/JakeFAU/coin-ingest/internal/etl"
	"github.com/JakeFAU/coin-ingest/internal/store"
)

// GetCheckpoint returns the committed checkpoint for source.
func (s *Store) GetCheckpoint(_ context.Context, source string) (etl.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.state.checkpoints[source]
	if !ok {
		return etl.Checkpoint{}, store.ErrNotFound
	}
	return copyCheckpoint(cp), nil
}

// SetCheckpoint overwrites a checkpoint outside of a run. Useful for
// fixtures and manual rewinds.
func (s *Store) SetCheckpoint(cp etl.Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.checkpoints[cp.SourceName] = copyCheckpoint(cp)
}

// GetRun loads one run.
func (s *Store) GetRun(_ context.Context, id int64) (etl.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.state.runs[id]
	if !ok {
		return etl.Run{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns matching runs newest first.
func (s *Store) ListRuns(_ context.Context, filter store.RunFilter) ([]etl.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listRunsLocked(filter), nil
}

func (s *Store) listRunsLocked(filter store.RunFilter) []etl.Run {
	var runs []etl.Run
	for _, run := range s.state.runs {
		if filter.Source != "" && run.SourceName != filter.Source {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].ID > runs[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(runs) {
			return nil
		}
		runs = runs[filter.Offset:]
	}
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs
}

// ListCheckpoints returns all checkpoints ordered by source.
func (s *Store) ListCheckpoints(context.Context) ([]etl.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := make([]etl.Checkpoint, 0, len(s.state.checkpoints))
	for _, cp := range s.state.checkpoints {
		cps = append(cps, copyCheckpoint(cp))
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].SourceName < cps[j].SourceName })
	return cps, nil
}

// SourceStats aggregates per-source counts.
func (s *Store) SourceStats(context.Context) ([]etl.SourceStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make(map[string]struct{})
	for _, run := range s.state.runs {
		names[run.SourceName] = struct{}{}
	}
	for name := range s.state.checkpoints {
		names[name] = struct{}{}
	}

	stats := make([]etl.SourceStats, 0, len(names))
	for name := range names {
		st := etl.SourceStats{SourceName: name}
		for key := range s.state.quotes {
			if key.Source == name {
				st.Quotes++
			}
		}
		for key := range s.state.assets {
			if key.source == name {
				st.Assets++
			}
		}
		if runs := s.listRunsLocked(store.RunFilter{Source: name, Limit: 1}); len(runs) > 0 {
			st.LastRun = &runs[0]
		}
		if cp, ok := s.state.checkpoints[name]; ok {
			cp = copyCheckpoint(cp)
			st.Checkpoint = &cp
		}
		stats = append(stats, st)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].SourceName < stats[j].SourceName })
	return stats, nil
}

// Quotes returns committed quotes ordered by source, entity and timestamp.
func (s *Store) Quotes() []etl.Quote {
	s.mu.Lock()
	defer s.mu.Unlock()
	quotes := make([]etl.Quote, 0, len(s.state.quotes))
	for _, row := range s.state.quotes {
		quotes = append(quotes, row.quote)
	}
	sort.Slice(quotes, func(i, j int) bool {
		a, b := quotes[i], quotes[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		return a.Timestamp.Before(b.Timestamp)
	})
	return quotes
}

// Raw returns the lineage rows stored for source.
func (s *Store) Raw(source string) []RawRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RawRow(nil), s.raw[source]...)
}
