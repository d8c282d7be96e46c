package association

import (
	"context"
	"errors"
	"fmt"

	"relator/api/internal/lock"
	"relator/api/internal/nodes"
	"relator/api/internal/schema"
	"relator/api/internal/store"
)

// Every handler re-validates the fact that justified its task, applies the
// side effect and returns nil. ErrStale and ErrMissingNode discard the task.

func (e *Executor) addAssociationDetails(ctx context.Context, task Task) error {
	var d Detail
	if err := task.Decode(&d); err != nil {
		return err
	}
	if _, err := e.registry.FindDetail(ctx, d.TargetType, d.TargetPath, d.SourceType); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	live, err := e.liveDetail(ctx, d)
	if err != nil {
		return err
	}
	if len(live.Mappings) == 0 || live.Unsynced() {
		return fmt.Errorf("%s no longer requires sync: %w", live.Key(), ErrStale)
	}
	stored, err := e.registry.InsertDetail(ctx, live)
	if err != nil {
		return err
	}
	return e.backfill(ctx, stored)
}

// backfill queues addAssociation for target nodes that already embed the
// relator when its detail is registered.
func (e *Executor) backfill(ctx context.Context, detail Detail) error {
	targets, err := e.nodes.Query(ctx, detail.TargetType, nil, store.QueryOptions{})
	if err != nil {
		return fmt.Errorf("scan %s for existing relators: %w", detail.TargetType, err)
	}
	b := &batch{queue: e.queue}
	for _, target := range targets {
		for _, sourceID := range sortedKeys(relatorRefs(target, detail.TargetPath)) {
			ref := AssociationRef{AssociationDetailsID: detail.ID, SourceID: sourceID, TargetID: target.ID()}
			if err := b.add(ctx, TaskAddAssociation, ref); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Executor) removeAssociationDetails(ctx context.Context, task Task) error {
	var d Detail
	if err := task.Decode(&d); err != nil {
		return err
	}
	stored, err := e.storedDetail(ctx, d)
	if err != nil {
		return err
	}
	if live, err := e.liveDetail(ctx, stored); err == nil && len(live.Mappings) > 0 {
		return fmt.Errorf("%s is declared again: %w", stored.Key(), ErrStale)
	} else if err != nil && !errors.Is(err, ErrStale) {
		return err
	}
	return e.registry.RemoveDetail(ctx, stored.ID)
}

func (e *Executor) syncAssociationDetails(ctx context.Context, task Task) error {
	var d Detail
	if err := task.Decode(&d); err != nil {
		return err
	}
	stored, err := e.storedDetail(ctx, d)
	if err != nil {
		return err
	}
	live, err := e.liveDetail(ctx, stored)
	if err != nil {
		return err
	}
	if live.Unsynced() || !stored.Unsynced() {
		return fmt.Errorf("%s sync state unchanged: %w", stored.Key(), ErrStale)
	}
	stored.Sync = live.Sync
	if err := e.fanOutDetail(ctx, stored); err != nil {
		return err
	}
	return e.registry.UpdateDetail(ctx, stored)
}

func (e *Executor) unsyncAssociationDetails(ctx context.Context, task Task) error {
	var d Detail
	if err := task.Decode(&d); err != nil {
		return err
	}
	stored, err := e.storedDetail(ctx, d)
	if err != nil {
		return err
	}
	live, err := e.liveDetail(ctx, stored)
	if err != nil {
		return err
	}
	if !live.Unsynced() || stored.Unsynced() {
		return fmt.Errorf("%s sync state unchanged: %w", stored.Key(), ErrStale)
	}
	stored.Sync = live.Sync
	return e.registry.UpdateDetail(ctx, stored)
}

func (e *Executor) mappingModifiedForAssociationDetails(ctx context.Context, task Task) error {
	var d Detail
	if err := task.Decode(&d); err != nil {
		return err
	}
	stored, err := e.storedDetail(ctx, d)
	if err != nil {
		return err
	}
	live, err := e.liveDetail(ctx, stored)
	if err != nil {
		return err
	}
	if mappingsEqual(stored.Mappings, live.Mappings) {
		return fmt.Errorf("%s mappings unchanged: %w", stored.Key(), ErrStale)
	}
	stored.Mappings = live.Mappings
	stored.OriginalPath = live.OriginalPath
	if err := e.fanOutDetail(ctx, stored); err != nil {
		return err
	}
	return e.registry.UpdateDetail(ctx, stored)
}

// fanOutDetail queues a field copy for every association of a detail.
func (e *Executor) fanOutDetail(ctx context.Context, detail Detail) error {
	assocs, err := e.registry.AssociationsByDetail(ctx, detail.ID)
	if err != nil {
		return err
	}
	b := &batch{queue: e.queue}
	for _, assoc := range assocs {
		ref := AssociationRef{AssociationDetailsID: detail.ID, SourceID: assoc.SourceID, TargetID: assoc.TargetID}
		if err := b.add(ctx, TaskMappingModifiedForAssociation, ref); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) addAssociation(ctx context.Context, task Task) error {
	var ref AssociationRef
	if err := task.Decode(&ref); err != nil {
		return err
	}
	detail, err := e.detailByID(ctx, ref.AssociationDetailsID)
	if err != nil {
		return err
	}
	target, err := e.node(ctx, detail.TargetType, ref.TargetID)
	if err != nil {
		return err
	}
	if !embeds(target, detail.TargetPath, ref.SourceID) {
		return fmt.Errorf("%s/%s no longer embeds %s: %w", detail.TargetType, ref.TargetID, ref.SourceID, ErrStale)
	}
	if _, _, err := e.registry.InsertAssociation(ctx, ref); err != nil {
		return err
	}
	b := &batch{queue: e.queue}
	return b.add(ctx, TaskMappingModifiedForAssociation, ref)
}

func (e *Executor) removeAssociation(ctx context.Context, task Task) error {
	var ref AssociationRef
	if err := task.Decode(&ref); err != nil {
		return err
	}
	detail, err := e.detailByID(ctx, ref.AssociationDetailsID)
	if err != nil {
		return err
	}
	assoc, err := e.registry.FindAssociation(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("association already gone: %w", ErrStale)
	}
	if err != nil {
		return err
	}
	target, err := e.node(ctx, detail.TargetType, ref.TargetID)
	switch {
	case errors.Is(err, ErrMissingNode):
	case err != nil:
		return err
	case embeds(target, detail.TargetPath, ref.SourceID):
		return fmt.Errorf("%s/%s embeds %s again: %w", detail.TargetType, ref.TargetID, ref.SourceID, ErrStale)
	}
	return e.registry.RemoveAssociation(ctx, assoc.ID)
}

// mappingModifiedForAssociation copies the mapped source fields into every
// relator object of the target that points at the source. The target is
// locked so two copies never interleave on the same node.
func (e *Executor) mappingModifiedForAssociation(ctx context.Context, task Task) error {
	var ref AssociationRef
	if err := task.Decode(&ref); err != nil {
		return err
	}
	detail, err := e.detailByID(ctx, ref.AssociationDetailsID)
	if err != nil {
		return err
	}
	if detail.Unsynced() {
		return fmt.Errorf("%s is unsynced: %w", detail.Key(), ErrStale)
	}
	return e.locker.ProcessWithLock(ctx, targetLockPrefix+ref.TargetID, e.opts.TargetLockTTL, func(ctx context.Context, _ lock.Lease) error {
		return e.copyFields(ctx, detail, ref)
	})
}

func (e *Executor) copyFields(ctx context.Context, detail Detail, ref AssociationRef) error {
	source, err := e.node(ctx, detail.SourceType, ref.SourceID)
	if err != nil {
		return err
	}
	target, err := e.node(ctx, detail.TargetType, ref.TargetID)
	if err != nil {
		return err
	}
	if !embeds(target, detail.TargetPath, ref.SourceID) {
		return fmt.Errorf("%s/%s no longer embeds %s: %w", detail.TargetType, ref.TargetID, ref.SourceID, ErrStale)
	}

	legal, err := e.legalFields(ctx, detail)
	if err != nil {
		return err
	}
	for _, obj := range relatorObjects(target, detail.TargetPath) {
		if id, _ := obj["id"].(string); id != ref.SourceID {
			continue
		}
		for _, m := range detail.Mappings {
			if !m.Synced() {
				continue
			}
			if v, ok := source[m.From]; ok {
				obj[m.To] = v
			} else {
				delete(obj, m.To)
			}
		}
		for key := range obj {
			if _, ok := legal[key]; !ok {
				delete(obj, key)
			}
		}
	}

	if _, err := e.nodes.Update(ctx, detail.TargetType, ref.TargetID, target, ""); err != nil {
		return fmt.Errorf("save %s/%s: %w", detail.TargetType, ref.TargetID, err)
	}
	return nil
}

// legalFields is {mapped to} ∪ {id, title} ∪ the relator's declared properties.
func (e *Executor) legalFields(ctx context.Context, detail Detail) (map[string]struct{}, error) {
	legal := map[string]struct{}{"id": {}, relatorTitleField: {}}
	for _, m := range detail.Mappings {
		legal[m.To] = struct{}{}
	}
	def, err := e.defs.Get(ctx, detail.TargetType)
	if errors.Is(err, schema.ErrNotFound) {
		return legal, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load definition: %w", err)
	}
	for _, name := range def.RelatorFieldNames(detail.OriginalPath) {
		legal[name] = struct{}{}
	}
	return legal, nil
}

func (e *Executor) sourceNodeUpdated(ctx context.Context, task Task) error {
	var update SourceUpdate
	if err := task.Decode(&update); err != nil {
		return err
	}
	b := &batch{queue: e.queue}
	return e.creator.fanOutSource(ctx, b, update.SourceType, update.SourceID, update.Keys)
}

func (e *Executor) nodeRelatorsUpdated(ctx context.Context, task Task) error {
	var update RelatorsUpdate
	if err := task.Decode(&update); err != nil {
		return err
	}
	b := &batch{queue: e.queue}
	for _, item := range update.Items {
		detail, err := e.registry.FindDetail(ctx, update.TargetType, item.TargetPath, item.SourceType)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		ref := AssociationRef{AssociationDetailsID: detail.ID, SourceID: item.SourceID, TargetID: update.TargetID}
		switch item.Action {
		case RelatorAdd:
			err = b.add(ctx, TaskAddAssociation, ref)
		case RelatorUpdate:
			err = b.add(ctx, TaskMappingModifiedForAssociation, ref)
		case RelatorRemove:
			err = b.add(ctx, TaskRemoveAssociation, ref)
		default:
			err = fmt.Errorf("unknown relator action %q", item.Action)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// storedDetail resolves a task's detail against the registry, by id when the
// task carries one and by natural key otherwise.
func (e *Executor) storedDetail(ctx context.Context, d Detail) (Detail, error) {
	var (
		stored Detail
		err    error
	)
	if d.ID != "" {
		stored, err = e.registry.GetDetail(ctx, d.ID)
	} else {
		stored, err = e.registry.FindDetail(ctx, d.TargetType, d.TargetPath, d.SourceType)
	}
	if errors.Is(err, store.ErrNotFound) {
		return Detail{}, fmt.Errorf("%s not registered: %w", d.Key(), ErrStale)
	}
	return stored, err
}

func (e *Executor) detailByID(ctx context.Context, id string) (Detail, error) {
	detail, err := e.registry.GetDetail(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Detail{}, fmt.Errorf("detail %s removed: %w", id, ErrStale)
	}
	return detail, err
}

// liveDetail returns what the current schema declares for d's relator.
func (e *Executor) liveDetail(ctx context.Context, d Detail) (Detail, error) {
	def, err := e.defs.Get(ctx, d.TargetType)
	if errors.Is(err, schema.ErrNotFound) {
		return Detail{}, fmt.Errorf("type %s has no definition: %w", d.TargetType, ErrStale)
	}
	if err != nil {
		return Detail{}, fmt.Errorf("load definition: %w", err)
	}
	live, ok := def.Detail(d.TargetPath, d.SourceType)
	if !ok {
		return Detail{}, fmt.Errorf("%s no longer declared: %w", d.Key(), ErrStale)
	}
	return live, nil
}

func (e *Executor) node(ctx context.Context, nodeType, id string) (store.Document, error) {
	doc, err := e.nodes.Get(ctx, nodeType, id)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, nodes.ErrUnknownType) {
		return nil, fmt.Errorf("%s/%s: %w", nodeType, id, ErrMissingNode)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}
