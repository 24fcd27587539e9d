// Package tracker defines the typed surface of the external task-tracking
// service and a thin REST client for it. The pipeline only depends on the
// Client interface; tests substitute fakes.
package tracker

// TaskSnapshot is the Tracker's current view of one task, including the
// structured custom field values the pipeline reads.
type TaskSnapshot struct {
	GID       string
	Name      string
	Notes     string
	Completed bool
	Fields    []FieldValue
	Permalink string
}

// FieldValue is one custom field value on a task. Exactly one of the value
// slots is meaningful depending on the field's type.
type FieldValue struct {
	FieldGID       string
	Type           string // "text", "checkbox", "enum"
	Text           string
	Checked        *bool
	EnumOptionGID  string
	EnumOptionName string
}

// Field, FieldOption describe enum-valued custom fields when enumerating or
// extending their options.
type Field struct {
	GID     string
	Name    string
	Type    string
	Options []FieldOption
}

type FieldOption struct {
	GID  string
	Name string
}

// FieldValueByGID returns the value for the given field gid, or nil when the
// task carries no value for it.
func (t *TaskSnapshot) FieldValueByGID(fieldGID string) *FieldValue {
	for i := range t.Fields {
		if t.Fields[i].FieldGID == fieldGID {
			return &t.Fields[i]
		}
	}
	return nil
}

// WebhookEvent is one entry of a Tracker webhook delivery's events array.
type WebhookEvent struct {
	Resource WebhookResource `json:"resource"`
	Action   string          `json:"action"`
	Change   *WebhookChange  `json:"change,omitempty"`
}

type WebhookResource struct {
	GID          string `json:"gid"`
	ResourceType string `json:"resource_type"`
}

type WebhookChange struct {
	Field    string `json:"field"`
	NewValue any    `json:"new_value,omitempty"`
}

// WebhookBody is the envelope of a Tracker webhook delivery. Heartbeats carry
// an empty events array and are accepted as no-ops.
type WebhookBody struct {
	Events []WebhookEvent `json:"events"`
}
