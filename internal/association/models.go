// Package association keeps denormalized relator copies in sync with their
// source nodes. The Creator turns schema and node changes into durable tasks;
// the Executor drains them under a lock.
package association

import (
	"errors"
	"fmt"

	"relator/api/internal/history"
	"relator/api/internal/schema"
	"relator/api/internal/store"
	"relator/api/internal/util"
)

const (
	DetailsCollection      = "associationDetails"
	AssociationsCollection = "associations"
	TasksCollection        = "associationTasks"

	ExecuteLockName   = "EXECUTE_ASSOCIATIONS_TASKS"
	targetLockPrefix  = "ASSOCIATION_TARGET:"
	relatorTitleField = "title"
)

var (
	// ErrStale marks a task whose precondition no longer holds.
	ErrStale = errors.New("task precondition no longer holds")
	// ErrMissingNode marks a task that references a node that is gone.
	ErrMissingNode = errors.New("referenced node no longer exists")
)

type Detail = schema.AssociationDetail

type Mapping = schema.Mapping

type Association struct {
	ID                   string `json:"id"`
	AssociationDetailsID string `json:"associationDetailsId"`
	SourceID             string `json:"sourceId"`
	TargetID             string `json:"targetId"`
}

type TaskType string

const (
	TaskAddAssociationDetails                TaskType = "addAssociationDetails"
	TaskRemoveAssociationDetails             TaskType = "removeAssociationDetails"
	TaskSyncAssociationDetails               TaskType = "syncAssociationDetails"
	TaskUnsyncAssociationDetails             TaskType = "unsyncAssociationDetails"
	TaskMappingModifiedForAssociationDetails TaskType = "mappingModifiedForAssociationDetails"
	TaskAddAssociation                       TaskType = "addAssociation"
	TaskRemoveAssociation                    TaskType = "removeAssociation"
	TaskMappingModifiedForAssociation        TaskType = "mappingModifiedForAssociation"
	TaskSourceNodeUpdated                    TaskType = "sourceNodeUpdated"
	TaskNodeRelatorsUpdated                  TaskType = "nodeRelatorsUpdated"
)

// Task is a durable unit of propagation work. Fingerprint is derived from
// {taskType, data} and is what deduplication matches on.
type Task struct {
	ID          string         `json:"id"`
	TaskType    TaskType       `json:"taskType"`
	Data        map[string]any `json:"data"`
	Timestamp   int64          `json:"timestamp"`
	Fingerprint string         `json:"fingerprint"`
}

// NewTask encodes payload as the task data.
func NewTask(taskType TaskType, payload any) (Task, error) {
	data, err := store.Encode(payload)
	if err != nil {
		return Task{}, fmt.Errorf("encode %s payload: %w", taskType, err)
	}
	fingerprint, err := history.ContentHash(map[string]any{"taskType": taskType, "data": data})
	if err != nil {
		return Task{}, err
	}
	return Task{
		ID:          util.NewID("task"),
		TaskType:    taskType,
		Data:        data,
		Fingerprint: fingerprint,
	}, nil
}

// Decode reads the task data into a typed payload.
func (t Task) Decode(dst any) error {
	if err := store.Decode(t.Data, dst); err != nil {
		return fmt.Errorf("decode %s task: %w", t.TaskType, err)
	}
	return nil
}

// AssociationRef is the payload of the per-association tasks.
type AssociationRef struct {
	AssociationDetailsID string `json:"associationDetailsId"`
	SourceID             string `json:"sourceId"`
	TargetID             string `json:"targetId"`
}

// SourceUpdate is the payload of sourceNodeUpdated.
type SourceUpdate struct {
	SourceType string   `json:"sourceType"`
	SourceID   string   `json:"sourceId"`
	Keys       []string `json:"keys"`
}

type RelatorAction string

const (
	RelatorAdd    RelatorAction = "add"
	RelatorUpdate RelatorAction = "update"
	RelatorRemove RelatorAction = "remove"
)

// RelatorChange is one embedded relator reference that appeared, changed or
// disappeared on a target node.
type RelatorChange struct {
	Action     RelatorAction `json:"action"`
	TargetPath string        `json:"targetPath"`
	SourceType string        `json:"sourceType"`
	SourceID   string        `json:"sourceId"`
}

// RelatorsUpdate is the payload of nodeRelatorsUpdated.
type RelatorsUpdate struct {
	TargetType string          `json:"targetType"`
	TargetID   string          `json:"targetId"`
	Items      []RelatorChange `json:"items"`
}
