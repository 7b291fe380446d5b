package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/zeusync/replicore/internal/core/observability/log"
	"github.com/zeusync/replicore/internal/core/persist"
)

func (h *Host) restore(ctx context.Context) error {
	if h.store == nil || !h.cfg.Persist.RestoreOnStart {
		return nil
	}
	key := h.cfg.Persist.Key
	w, err := h.store.Load(ctx, key)
	if errors.Is(err, persist.ErrNotFound) {
		h.logger.Info("No snapshot to restore", log.String("key", key))
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore %s: %w", key, err)
	}
	entities, err := persist.Restore(h.authority, w)
	if err != nil {
		return fmt.Errorf("restore %s: %w", key, err)
	}
	h.logger.Info("World restored",
		log.String("key", key),
		log.Int("entities", len(entities)),
		log.Int32("tick", int32(w.Tick)),
	)
	return nil
}

// capture must run on the tick goroutine or after it has exited.
func (h *Host) capture() *persist.World {
	w, err := persist.Capture(h.authority)
	if err != nil {
		h.stats.snapshotErrs.Add(1)
		h.logger.Error("Snapshot capture failed", log.Error(err))
		return nil
	}
	return w
}

func (h *Host) save(ctx context.Context, w *persist.World) {
	if w == nil {
		return
	}
	if err := h.store.Save(ctx, h.cfg.Persist.Key, w); err != nil {
		h.stats.snapshotErrs.Add(1)
		h.logger.Error("Snapshot save failed", log.String("key", h.cfg.Persist.Key), log.Error(err))
		return
	}
	h.stats.snapshots.Add(1)
	h.logger.Debug("Snapshot saved",
		log.String("key", h.cfg.Persist.Key),
		log.Int("entities", len(w.Entities)),
		log.Int32("tick", int32(w.Tick)),
	)
}

func (h *Host) saver(ctx context.Context) error {
	for {
		select {
		case w := <-h.saves:
			h.save(ctx, w)
		case <-ctx.Done():
			return nil
		}
	}
}
