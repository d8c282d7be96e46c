package association

import (
	"context"
	"errors"
	"fmt"

	"relator/api/internal/store"
	"relator/api/internal/util"
)

// Registry persists association details and association instances.
type Registry struct {
	docs store.Store
}

func NewRegistry(docs store.Store) *Registry {
	return &Registry{docs: docs}
}

func (r *Registry) InsertDetail(ctx context.Context, detail Detail) (Detail, error) {
	if detail.ID == "" {
		detail.ID = util.NewID("detail")
	}
	doc, err := store.Encode(detail)
	if err != nil {
		return Detail{}, err
	}
	if err := r.docs.Insert(ctx, DetailsCollection, doc); err != nil {
		return Detail{}, fmt.Errorf("insert association detail: %w", err)
	}
	return detail, nil
}

func (r *Registry) UpdateDetail(ctx context.Context, detail Detail) error {
	doc, err := store.Encode(detail)
	if err != nil {
		return err
	}
	if err := r.docs.Update(ctx, DetailsCollection, doc); err != nil {
		return fmt.Errorf("update association detail: %w", err)
	}
	return nil
}

// RemoveDetail deletes a detail and every association under it.
func (r *Registry) RemoveDetail(ctx context.Context, id string) error {
	if _, err := r.docs.Delete(ctx, AssociationsCollection, store.Filter{store.Eq("associationDetailsId", id)}); err != nil {
		return fmt.Errorf("remove associations of detail: %w", err)
	}
	if _, err := r.docs.Delete(ctx, DetailsCollection, store.Filter{store.Eq("id", id)}); err != nil {
		return fmt.Errorf("remove association detail: %w", err)
	}
	return nil
}

func (r *Registry) GetDetail(ctx context.Context, id string) (Detail, error) {
	return r.oneDetail(ctx, store.Filter{store.Eq("id", id)})
}

// FindDetail looks a detail up by its natural key.
func (r *Registry) FindDetail(ctx context.Context, targetType, targetPath, sourceType string) (Detail, error) {
	return r.oneDetail(ctx, store.Filter{
		store.Eq("targetType", targetType),
		store.Eq("targetPath", targetPath),
		store.Eq("sourceType", sourceType),
	})
}

func (r *Registry) DetailsByTarget(ctx context.Context, targetType string) ([]Detail, error) {
	return r.details(ctx, store.Filter{store.Eq("targetType", targetType)})
}

func (r *Registry) DetailsBySource(ctx context.Context, sourceType string) ([]Detail, error) {
	return r.details(ctx, store.Filter{store.Eq("sourceType", sourceType)})
}

func (r *Registry) oneDetail(ctx context.Context, filter store.Filter) (Detail, error) {
	doc, err := r.docs.QueryOne(ctx, DetailsCollection, filter)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Detail{}, err
		}
		return Detail{}, fmt.Errorf("find association detail: %w", err)
	}
	var detail Detail
	if err := store.Decode(doc, &detail); err != nil {
		return Detail{}, err
	}
	return detail, nil
}

func (r *Registry) details(ctx context.Context, filter store.Filter) ([]Detail, error) {
	docs, err := r.docs.Query(ctx, DetailsCollection, filter, store.QueryOptions{
		Sort: []store.Sort{{Path: "targetPath"}, {Path: "sourceType"}},
	})
	if err != nil {
		return nil, fmt.Errorf("list association details: %w", err)
	}
	out := make([]Detail, 0, len(docs))
	for _, doc := range docs {
		var detail Detail
		if err := store.Decode(doc, &detail); err != nil {
			return nil, err
		}
		out = append(out, detail)
	}
	return out, nil
}

// InsertAssociation stores a source/target pair once. It reports false when
// the pair already existed.
func (r *Registry) InsertAssociation(ctx context.Context, ref AssociationRef) (Association, bool, error) {
	existing, err := r.FindAssociation(ctx, ref)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Association{}, false, err
	}

	assoc := Association{
		ID:                   util.NewID("assoc"),
		AssociationDetailsID: ref.AssociationDetailsID,
		SourceID:             ref.SourceID,
		TargetID:             ref.TargetID,
	}
	doc, err := store.Encode(assoc)
	if err != nil {
		return Association{}, false, err
	}
	if err := r.docs.Insert(ctx, AssociationsCollection, doc); err != nil {
		return Association{}, false, fmt.Errorf("insert association: %w", err)
	}
	return assoc, true, nil
}

func (r *Registry) RemoveAssociation(ctx context.Context, id string) error {
	if _, err := r.docs.Delete(ctx, AssociationsCollection, store.Filter{store.Eq("id", id)}); err != nil {
		return fmt.Errorf("remove association: %w", err)
	}
	return nil
}

func (r *Registry) FindAssociation(ctx context.Context, ref AssociationRef) (Association, error) {
	doc, err := r.docs.QueryOne(ctx, AssociationsCollection, store.Filter{
		store.Eq("associationDetailsId", ref.AssociationDetailsID),
		store.Eq("sourceId", ref.SourceID),
		store.Eq("targetId", ref.TargetID),
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Association{}, err
		}
		return Association{}, fmt.Errorf("find association: %w", err)
	}
	var assoc Association
	if err := store.Decode(doc, &assoc); err != nil {
		return Association{}, err
	}
	return assoc, nil
}

func (r *Registry) AssociationsByDetail(ctx context.Context, detailID string) ([]Association, error) {
	return r.associations(ctx, store.Filter{store.Eq("associationDetailsId", detailID)})
}

// AssociationsBySource lists the associations of one source node under a
// detail.
func (r *Registry) AssociationsBySource(ctx context.Context, detailID, sourceID string) ([]Association, error) {
	return r.associations(ctx, store.Filter{
		store.Eq("associationDetailsId", detailID),
		store.Eq("sourceId", sourceID),
	})
}

func (r *Registry) AssociationsByTarget(ctx context.Context, targetID string) ([]Association, error) {
	return r.associations(ctx, store.Filter{store.Eq("targetId", targetID)})
}

func (r *Registry) associations(ctx context.Context, filter store.Filter) ([]Association, error) {
	docs, err := r.docs.Query(ctx, AssociationsCollection, filter, store.QueryOptions{})
	if err != nil {
		return nil, fmt.Errorf("list associations: %w", err)
	}
	out := make([]Association, 0, len(docs))
	for _, doc := range docs {
		var assoc Association
		if err := store.Decode(doc, &assoc); err != nil {
			return nil, err
		}
		out = append(out, assoc)
	}
	return out, nil
}
