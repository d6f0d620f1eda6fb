package ingest

import (
	"context"
	"fmt"

	"github.com/hazyhaar/gscload/ingest/internal/dedup"
	"github.com/hazyhaar/gscload/ingest/internal/enhance"
	"github.com/hazyhaar/gscload/ingest/internal/identity"
	"github.com/hazyhaar/gscload/ingest/internal/warehouse"
	"github.com/hazyhaar/gscload/kit"
)

// RunEnhancements loads the enhancement exports under dir into the
// enhancements table. Each enhancement type is reported as one batch;
// keys are checked against every stored row, since exports are not
// bounded by date.
func (s *Service) RunEnhancements(ctx context.Context, dir string, debug bool) (*RunSummary, error) {
	if s.enh == nil {
		return nil, fmt.Errorf("%w: enhancements warehouse is required", ErrSetup)
	}
	if !s.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer s.mu.Unlock()

	sum := &RunSummary{RunID: s.newID(), Kind: "enhancements", Debug: debug, Started: s.now()}
	ctx = kit.WithRunID(ctx, sum.RunID)
	log := kit.Logger(ctx, s.logger)
	log.Info("ingest: enhancements started", "dir", dir, "debug", debug)
	s.started(ctx, sum)

	if err := s.enh.EnsureSchema(ctx); err != nil {
		sum.Err = fmt.Errorf("%w: ensure schema: %w", ErrSetup, err)
		s.finish(ctx, sum, log)
		return sum, sum.Err
	}
	items, err := enhance.ReadDir(dir, log)
	if err != nil {
		sum.Err = fmt.Errorf("%w: %w", ErrSetup, err)
		s.finish(ctx, sum, log)
		return sum, sum.Err
	}
	keys := warehouse.LoadExistingKeys(ctx, s.enh, DateRange{}, log)

	fingerprint := enhance.Fingerprint()
	var order []string
	byType := map[string][]enhance.Item{}
	for _, it := range items {
		it.Key = identity.Key(it.Fields(), enhance.KeyFields)
		if _, ok := byType[it.Type]; !ok {
			order = append(order, it.Type)
		}
		byType[it.Type] = append(byType[it.Type], it)
	}

	for _, typ := range order {
		if ctx.Err() != nil {
			break
		}
		group := byType[typ]
		started := s.now()
		bs := BatchSummary{Name: typ, Fetched: len(group), Pages: 1}
		fresh := dedup.Filter(group, keys, func(it enhance.Item) string { return it.Key })
		bs.New = len(fresh)

		if len(fresh) > 0 && !debug {
			rows := make([]warehouse.Row, len(fresh))
			for i, it := range fresh {
				rows[i] = it.Row()
			}
			n, err := s.enh.Append(ctx, rows)
			if err != nil {
				for _, it := range fresh {
					keys.Remove(it.Key)
				}
				bs.Err = fmt.Errorf("ingest: append %s: %w", typ, err)
			}
			bs.Inserted = n
		}

		s.batchDone(ctx, sum, typ, fingerprint, bs, started, log.With("batch", typ))
		sum.Batches = append(sum.Batches, bs)
	}
	if err := ctx.Err(); err != nil {
		sum.Err = fmt.Errorf("ingest: run cancelled: %w", err)
	}
	s.finish(ctx, sum, log)
	return sum, sum.Err
}
