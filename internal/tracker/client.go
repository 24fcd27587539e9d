package tracker

import "context"

// Client is the Tracker API surface the pipeline uses. Implementations must be
// safe for concurrent use.
type Client interface {
	// GetTask fetches the current snapshot of a task, including custom field values.
	GetTask(ctx context.Context, taskGID string) (*TaskSnapshot, error)
	// CompleteTask marks the task completed.
	CompleteTask(ctx context.Context, taskGID string) error
	// AddComment posts a comment (story) on the task.
	AddComment(ctx context.Context, taskGID, text string) error
	// CreateTask creates a task in the given project.
	CreateTask(ctx context.Context, projectGID, name, notes string) (string, error)
	// GetField fetches an enum-valued custom field with its options.
	GetField(ctx context.Context, fieldGID string) (*Field, error)
	// AddEnumOption extends an enum-valued custom field with a new option.
	AddEnumOption(ctx context.Context, fieldGID, name string) (*FieldOption, error)
	// SetFieldValue sets a custom field value on a task. value is the text,
	// bool, or enum option gid depending on the field type.
	SetFieldValue(ctx context.Context, taskGID, fieldGID string, value any) error
	// CreateWebhook subscribes targetURL to events on the given resource.
	CreateWebhook(ctx context.Context, resourceGID, targetURL string) error
}
