package scheduler

import (
	"context"
	"fmt"

	"supertask/internal/crontab"
	"supertask/internal/eventbus"
	"supertask/internal/job"
	"supertask/internal/jobstore"
	logx "supertask/pkg/logx"
)

// Reconcile reads the store and applies the minimal add/update/remove to the
// live schedule. Unchanged definitions keep their next fire time and
// in-flight count. If the store cannot be read, the schedule is left as is.
// Removals that could not be stored earlier are retried first; until one
// succeeds the stored row is ignored.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.retryTombstones(ctx)
	defs, err := e.store.List(ctx)
	if err != nil {
		e.metrics.Reconciled(false)
		e.log.Warn("reconcile: store list failed; keeping current schedule", logx.Err(err))
		return fmt.Errorf("reconcile: %w", err)
	}

	e.mu.Lock()
	now := e.clock.Now()
	seen := make(map[string]struct{}, len(defs))
	added, changed, removed, failed := 0, 0, 0, 0
	for _, def := range defs {
		def = def.Normalize()
		if _, gone := e.tombstones[def.ID]; gone {
			continue
		}
		seen[def.ID] = struct{}{}
		_, existed := e.entries[def.ID]
		ok, err := e.upsertLocked(def, now)
		if err != nil {
			failed++
			e.log.Warn("reconcile: keeping last known good entry", logx.String("job", def.ID), logx.Err(err))
			continue
		}
		if !ok {
			continue
		}
		_, exists := e.entries[def.ID]
		switch {
		case !existed && exists:
			added++
		case existed && !exists:
			removed++
		default:
			changed++
		}
	}
	for id := range e.entries {
		if _, ok := seen[id]; !ok {
			e.removeLocked(id, "deleted")
			removed++
		}
	}
	total := len(e.entries)
	e.metrics.SetEntries(total)
	e.mu.Unlock()

	e.metrics.Reconciled(true)
	if added+changed+removed+failed > 0 {
		e.log.Info("reconciled",
			logx.Int("added", added),
			logx.Int("changed", changed),
			logx.Int("removed", removed),
			logx.Int("failed", failed),
			logx.Int("entries", total),
		)
		e.poke()
	}
	eventbus.Emit(e.bus, eventbus.Reconciled, map[string]int{"added": added, "changed": changed, "removed": removed, "entries": total})
	return nil
}

// Apply handles one change event from the definition source. Applying the
// same event twice has no further effect.
func (e *Engine) Apply(ctx context.Context, ch job.Change) error {
	id := ch.ID
	if id == "" {
		id = ch.Definition.ID
	}
	switch ch.Kind {
	case job.Added, job.Modified:
		def := ch.Definition.Normalize()
		if def.ID == "" {
			def.ID = id
		}
		if err := crontab.Validate(def.Crontab); err != nil {
			e.log.Warn("definition rejected; keeping current entry", logx.String("job", def.ID), logx.Err(err))
			return err
		}
		if err := e.persist(ctx, def); err != nil {
			e.log.Warn("definition not stored; keeping current entry", logx.String("job", def.ID), logx.Err(err))
			return err
		}
		e.mu.Lock()
		delete(e.tombstones, def.ID)
		changed, err := e.upsertLocked(def, e.clock.Now())
		e.metrics.SetEntries(len(e.entries))
		e.mu.Unlock()
		if err != nil {
			return err
		}
		if changed {
			e.poke()
		}
		return nil

	case job.Removed:
		storeErr := e.store.Remove(ctx, id)
		if job.IsNotFound(storeErr) {
			storeErr = nil
		}
		e.mu.Lock()
		removed := e.removeLocked(id, "removed")
		if storeErr != nil {
			e.tombstones[id] = struct{}{}
		} else {
			delete(e.tombstones, id)
		}
		e.metrics.SetEntries(len(e.entries))
		e.mu.Unlock()
		if removed {
			e.poke()
		}
		if storeErr != nil {
			e.log.Warn("remove: store delete failed; retrying on reconcile", logx.String("job", id), logx.Err(storeErr))
			return storeErr
		}
		return nil

	default:
		return fmt.Errorf("unknown change kind %q", ch.Kind)
	}
}

// retryTombstones repeats store deletes for removals that failed to persist.
func (e *Engine) retryTombstones(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.tombstones))
	for id := range e.tombstones {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		err := e.store.Remove(ctx, id)
		if err != nil && !job.IsNotFound(err) {
			e.log.Warn("remove: store delete still failing", logx.String("job", id), logx.Err(err))
			continue
		}
		e.mu.Lock()
		delete(e.tombstones, id)
		e.mu.Unlock()
		e.log.Info("remove: store delete completed", logx.String("job", id))
	}
}

// persist writes def unless the store already holds an identical definition.
func (e *Engine) persist(ctx context.Context, def job.Definition) error {
	cur, err := e.store.Get(ctx, def.ID)
	switch {
	case err == nil && cur.Equal(def):
		return nil
	case err == nil || job.IsNotFound(err):
		return e.store.Put(ctx, def)
	default:
		return err
	}
}

// Seed makes the store match defs (the definitions file at startup) and
// then reconciles. Invalid definitions are logged and skipped.
func (e *Engine) Seed(ctx context.Context, defs []job.Definition) error {
	want := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		def = def.Normalize()
		// A stored job whose file entry is invalid stays as it was.
		want[def.ID] = struct{}{}
		if err := e.persist(ctx, def); err != nil {
			if jobstore.IsUnavailable(err) {
				return fmt.Errorf("seed %s: %w", def.ID, err)
			}
			e.log.Warn("seed: skipping invalid definition", logx.String("job", def.ID), logx.Err(err))
		}
	}

	stored, err := e.store.List(ctx)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	for _, def := range stored {
		if _, ok := want[def.ID]; ok {
			continue
		}
		if err := e.store.Remove(ctx, def.ID); err != nil && !job.IsNotFound(err) {
			return fmt.Errorf("seed: remove %s: %w", def.ID, err)
		}
		e.log.Info("seed: removed job absent from definitions", logx.String("job", def.ID))
	}
	return e.Reconcile(ctx)
}

// NotifyReconcile asks the running engine for a reconcile pass. Calls made
// while one is pending collapse into it.
func (e *Engine) NotifyReconcile() {
	select {
	case e.reconcileCh <- struct{}{}:
	default:
	}
}
