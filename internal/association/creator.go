package association

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"relator/api/internal/diff"
	"relator/api/internal/nodes"
	"relator/api/internal/schema"
	"relator/api/internal/store"
)

type Definitions interface {
	Get(ctx context.Context, name string) (*schema.Definition, error)
}

// Invoker schedules an executor run out of band.
type Invoker interface {
	Invoke(ctx context.Context) error
}

// Creator turns schema changes and node writes into queued tasks. It is the
// write listener of the node CRUD layer.
type Creator struct {
	queue    Queue
	registry *Registry
	defs     Definitions
	invoker  Invoker
	logger   *slog.Logger
}

var _ nodes.WriteListener = (*Creator)(nil)

func NewCreator(queue Queue, registry *Registry, defs Definitions, invoker Invoker, logger *slog.Logger) *Creator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Creator{
		queue:    queue,
		registry: registry,
		defs:     defs,
		invoker:  invoker,
		logger:   logger.With("component", "association-creator"),
	}
}

// batch collects the tasks that were actually inserted.
type batch struct {
	queue Queue
	tasks []Task
}

func (b *batch) add(ctx context.Context, taskType TaskType, payload any) error {
	task, err := NewTask(taskType, payload)
	if err != nil {
		return err
	}
	inserted, err := b.queue.Enqueue(ctx, task)
	if err != nil {
		return err
	}
	if inserted {
		b.tasks = append(b.tasks, task)
	}
	return nil
}

// PrepareTasksForChangedAssociationDetails compares two declared detail lists
// of one target type, keyed by {sourceType, targetPath}.
func (c *Creator) PrepareTasksForChangedAssociationDetails(ctx context.Context, previous, next []Detail) ([]Task, error) {
	b := &batch{queue: c.queue}

	nextByKey := make(map[string]Detail, len(next))
	for _, d := range next {
		nextByKey[d.Key()] = d
	}
	prevByKey := make(map[string]Detail, len(previous))
	for _, d := range previous {
		prevByKey[d.Key()] = d
		if _, ok := nextByKey[d.Key()]; !ok {
			if err := b.add(ctx, TaskRemoveAssociationDetails, d); err != nil {
				return nil, err
			}
		}
	}

	for _, d := range next {
		prev, had := prevByKey[d.Key()]
		merged := d
		if had {
			merged.ID = prev.ID
		}

		var err error
		switch {
		case !had && len(d.Mappings) > 0:
			err = b.add(ctx, TaskAddAssociationDetails, d)
		case had && len(d.Mappings) == 0:
			err = b.add(ctx, TaskRemoveAssociationDetails, prev)
		case had && d.Unsynced() && !prev.Unsynced():
			err = b.add(ctx, TaskUnsyncAssociationDetails, merged)
		}
		if err != nil {
			return nil, err
		}

		if had && prev.Unsynced() && !d.Unsynced() {
			if err := b.add(ctx, TaskSyncAssociationDetails, merged); err != nil {
				return nil, err
			}
		}

		if !mappingsEqual(prev.Mappings, d.Mappings) && (len(prev.Mappings) > 0 || len(d.Mappings) > 0) {
			if err := b.add(ctx, TaskMappingModifiedForAssociationDetails, merged); err != nil {
				return nil, err
			}
		}
	}

	c.schedule(ctx, b.tasks)
	return b.tasks, nil
}

// PrepareAssociationTasksFor diffs the registered details of def's type
// against what def declares now.
func (c *Creator) PrepareAssociationTasksFor(ctx context.Context, def *schema.Definition) ([]Task, error) {
	previous, err := c.registry.DetailsByTarget(ctx, def.Name)
	if err != nil {
		return nil, err
	}
	return c.PrepareTasksForChangedAssociationDetails(ctx, previous, schema.ExtractAssociationDetails(def))
}

// SourceNodeUpdated queues a field copy for every association fed by a synced
// mapping whose source field changed.
func (c *Creator) SourceNodeUpdated(ctx context.Context, sourceType, sourceID string, delta *diff.Delta) ([]Task, error) {
	b := &batch{queue: c.queue}
	if err := c.fanOutSource(ctx, b, sourceType, sourceID, delta.Keys()); err != nil {
		return nil, err
	}
	c.schedule(ctx, b.tasks)
	return b.tasks, nil
}

func (c *Creator) fanOutSource(ctx context.Context, b *batch, sourceType, sourceID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	changed := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		changed[key] = struct{}{}
	}

	details, err := c.registry.DetailsBySource(ctx, sourceType)
	if err != nil {
		return err
	}
	for _, detail := range details {
		if detail.Unsynced() || !mapsAnyField(detail.Mappings, changed) {
			continue
		}
		assocs, err := c.registry.AssociationsBySource(ctx, detail.ID, sourceID)
		if err != nil {
			return err
		}
		for _, assoc := range assocs {
			ref := AssociationRef{AssociationDetailsID: detail.ID, SourceID: sourceID, TargetID: assoc.TargetID}
			if err := b.add(ctx, TaskMappingModifiedForAssociation, ref); err != nil {
				return err
			}
		}
	}
	return nil
}

func mapsAnyField(mappings []Mapping, changed map[string]struct{}) bool {
	for _, m := range mappings {
		if !m.Synced() {
			continue
		}
		if _, ok := changed[m.From]; ok {
			return true
		}
	}
	return false
}

// NodeRelatorsUpdated compares the embedded relator references of a target
// node before and after a write and queues one nodeRelatorsUpdated task.
func (c *Creator) NodeRelatorsUpdated(ctx context.Context, targetType, targetID string, before, after store.Document) ([]Task, error) {
	def, err := c.defs.Get(ctx, targetType)
	if errors.Is(err, schema.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load definition: %w", err)
	}

	var items []RelatorChange
	for _, detail := range schema.ExtractAssociationDetails(def) {
		prev := relatorRefs(before, detail.TargetPath)
		next := relatorRefs(after, detail.TargetPath)
		for _, id := range sortedKeys(next) {
			old, existed := prev[id]
			switch {
			case !existed:
				items = append(items, RelatorChange{Action: RelatorAdd, TargetPath: detail.TargetPath, SourceType: detail.SourceType, SourceID: id})
			case !reflect.DeepEqual(old, next[id]):
				items = append(items, RelatorChange{Action: RelatorUpdate, TargetPath: detail.TargetPath, SourceType: detail.SourceType, SourceID: id})
			}
		}
		for _, id := range sortedKeys(prev) {
			if _, still := next[id]; !still {
				items = append(items, RelatorChange{Action: RelatorRemove, TargetPath: detail.TargetPath, SourceType: detail.SourceType, SourceID: id})
			}
		}
	}
	if len(items) == 0 {
		return nil, nil
	}

	b := &batch{queue: c.queue}
	if err := b.add(ctx, TaskNodeRelatorsUpdated, RelatorsUpdate{TargetType: targetType, TargetID: targetID, Items: items}); err != nil {
		return nil, err
	}
	c.schedule(ctx, b.tasks)
	return b.tasks, nil
}

// NodeWritten reacts to a node write: a changed source fans out field copies,
// a changed target reports its relator references.
func (c *Creator) NodeWritten(ctx context.Context, event nodes.WriteEvent) error {
	var errs []error
	if event.Before != nil && event.After != nil {
		if _, err := c.SourceNodeUpdated(ctx, event.Type, event.ID, event.Delta); err != nil {
			c.logger.Warn("inline source fan-out failed, queueing", "type", event.Type, "id", event.ID, "error", err)
			b := &batch{queue: c.queue}
			payload := SourceUpdate{SourceType: event.Type, SourceID: event.ID, Keys: event.Delta.Keys()}
			if err := b.add(ctx, TaskSourceNodeUpdated, payload); err != nil {
				errs = append(errs, fmt.Errorf("queue source update: %w", err))
			}
			c.schedule(ctx, b.tasks)
		}
	}
	if _, err := c.NodeRelatorsUpdated(ctx, event.Type, event.ID, event.Before, event.After); err != nil {
		errs = append(errs, fmt.Errorf("relator changes: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Creator) schedule(ctx context.Context, tasks []Task) {
	if len(tasks) == 0 || c.invoker == nil {
		return
	}
	if err := c.invoker.Invoke(ctx); err != nil {
		c.logger.Warn("schedule executor failed", "tasks", len(tasks), "error", err)
	}
}
