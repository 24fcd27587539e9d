package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-retryablehttp"
)

const defaultBaseURL = "https://app.asana.com/api/1.0"

// RESTClient implements Client against the Tracker's JSON API. Transient
// failures are retried by the underlying retryable transport; anything that
// survives the retries surfaces as an error for the next webhook or
// reconciliation pass to absorb.
type RESTClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewRESTClient(baseURL, token string) *RESTClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	return &RESTClient{
		baseURL: baseURL,
		token:   token,
		http:    rc.StandardClient(),
	}
}

type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type taskPayload struct {
	GID          string `json:"gid"`
	Name         string `json:"name"`
	Notes        string `json:"notes"`
	Completed    bool   `json:"completed"`
	Permalink    string `json:"permalink_url"`
	CustomFields []struct {
		GID       string `json:"gid"`
		Type      string `json:"resource_subtype"`
		TextValue string `json:"text_value"`
		Checked   *bool  `json:"checked"`
		EnumValue *struct {
			GID  string `json:"gid"`
			Name string `json:"name"`
		} `json:"enum_value"`
	} `json:"custom_fields"`
}

func (c *RESTClient) GetTask(ctx context.Context, taskGID string) (*TaskSnapshot, error) {
	q := url.Values{}
	q.Set("opt_fields", "gid,name,notes,completed,permalink_url,custom_fields.gid,custom_fields.resource_subtype,custom_fields.text_value,custom_fields.checked,custom_fields.enum_value.gid,custom_fields.enum_value.name")
	var payload taskPayload
	if err := c.do(ctx, http.MethodGet, "/tasks/"+taskGID+"?"+q.Encode(), nil, &payload); err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskGID, err)
	}
	snap := &TaskSnapshot{
		GID:       payload.GID,
		Name:      payload.Name,
		Notes:     payload.Notes,
		Completed: payload.Completed,
		Permalink: payload.Permalink,
	}
	for _, cf := range payload.CustomFields {
		fv := FieldValue{
			FieldGID: cf.GID,
			Type:     cf.Type,
			Text:     cf.TextValue,
			Checked:  cf.Checked,
		}
		if cf.EnumValue != nil {
			fv.EnumOptionGID = cf.EnumValue.GID
			fv.EnumOptionName = cf.EnumValue.Name
		}
		snap.Fields = append(snap.Fields, fv)
	}
	return snap, nil
}

func (c *RESTClient) CompleteTask(ctx context.Context, taskGID string) error {
	body := map[string]any{"data": map[string]any{"completed": true}}
	if err := c.do(ctx, http.MethodPut, "/tasks/"+taskGID, body, nil); err != nil {
		return fmt.Errorf("complete task %s: %w", taskGID, err)
	}
	return nil
}

func (c *RESTClient) AddComment(ctx context.Context, taskGID, text string) error {
	body := map[string]any{"data": map[string]any{"text": text}}
	if err := c.do(ctx, http.MethodPost, "/tasks/"+taskGID+"/stories", body, nil); err != nil {
		return fmt.Errorf("comment on task %s: %w", taskGID, err)
	}
	return nil
}

func (c *RESTClient) CreateTask(ctx context.Context, projectGID, name, notes string) (string, error) {
	body := map[string]any{"data": map[string]any{
		"name":     name,
		"notes":    notes,
		"projects": []string{projectGID},
	}}
	var created struct {
		GID string `json:"gid"`
	}
	if err := c.do(ctx, http.MethodPost, "/tasks", body, &created); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return created.GID, nil
}

func (c *RESTClient) GetField(ctx context.Context, fieldGID string) (*Field, error) {
	var payload struct {
		GID         string `json:"gid"`
		Name        string `json:"name"`
		Type        string `json:"resource_subtype"`
		EnumOptions []struct {
			GID  string `json:"gid"`
			Name string `json:"name"`
		} `json:"enum_options"`
	}
	if err := c.do(ctx, http.MethodGet, "/custom_fields/"+fieldGID, nil, &payload); err != nil {
		return nil, fmt.Errorf("get field %s: %w", fieldGID, err)
	}
	field := &Field{GID: payload.GID, Name: payload.Name, Type: payload.Type}
	for _, o := range payload.EnumOptions {
		field.Options = append(field.Options, FieldOption{GID: o.GID, Name: o.Name})
	}
	return field, nil
}

func (c *RESTClient) AddEnumOption(ctx context.Context, fieldGID, name string) (*FieldOption, error) {
	body := map[string]any{"data": map[string]any{"name": name}}
	var created struct {
		GID  string `json:"gid"`
		Name string `json:"name"`
	}
	if err := c.do(ctx, http.MethodPost, "/custom_fields/"+fieldGID+"/enum_options", body, &created); err != nil {
		return nil, fmt.Errorf("add enum option to %s: %w", fieldGID, err)
	}
	return &FieldOption{GID: created.GID, Name: created.Name}, nil
}

func (c *RESTClient) SetFieldValue(ctx context.Context, taskGID, fieldGID string, value any) error {
	body := map[string]any{"data": map[string]any{
		"custom_fields": map[string]any{fieldGID: value},
	}}
	if err := c.do(ctx, http.MethodPut, "/tasks/"+taskGID, body, nil); err != nil {
		return fmt.Errorf("set field %s on task %s: %w", fieldGID, taskGID, err)
	}
	return nil
}

func (c *RESTClient) CreateWebhook(ctx context.Context, resourceGID, targetURL string) error {
	body := map[string]any{"data": map[string]any{
		"resource": resourceGID,
		"target":   targetURL,
	}}
	if err := c.do(ctx, http.MethodPost, "/webhooks", body, nil); err != nil {
		return fmt.Errorf("create webhook for %s: %w", resourceGID, err)
	}
	return nil
}

func (c *RESTClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
