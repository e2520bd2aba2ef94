// Package source defines the record-source contract the sync pipeline pulls
// from. Adapters (ERP RPC, Excel export, JSON catalog) implement it;
// the core only assumes at-least-once delivery and relies on idempotent
// upserts downstream.
package source

import "context"

// FieldDef describes one field of a model as the source reports it.
type FieldDef struct {
	FieldID         int64    `json:"field_id"`
	Name            string   `json:"name"`
	Label           string   `json:"label"`
	Type            string   `json:"type"`
	Stored          bool     `json:"stored"`
	InPayload       bool     `json:"in_payload"`
	RelationModel   string   `json:"relation_model,omitempty"`
	RelationModelID int64    `json:"relation_model_id,omitempty"`
	JSONFKModel     string   `json:"json_fk_model,omitempty"`
	JSONFKModelID   int64    `json:"json_fk_model_id,omitempty"`
	SelectionValues []string `json:"selection_values,omitempty"`
}

// ModelSchema is the metadata stream for one model.
type ModelSchema struct {
	Model   string     `json:"model"`
	ModelID int64      `json:"model_id"`
	Fields  []FieldDef `json:"fields"`
}

// FetchOptions narrows a record fetch.
type FetchOptions struct {
	IDs             []int64 // when set, fetch exactly these records
	DateFrom        string
	DateTo          string
	IncludeArchived bool
	Fields          []string
	Offset          int
	Limit           int
}

// RecordSource is the abstract contract over the ERP / Excel adapters.
type RecordSource interface {
	// Fetch returns raw records as key -> value maps in source order.
	Fetch(ctx context.Context, model string, opts FetchOptions) ([]map[string]any, error)
	// Count reports how many records the options would match.
	Count(ctx context.Context, model string, opts FetchOptions) (int64, error)
	// ListModels names every model the source can deliver.
	ListModels(ctx context.Context) ([]string, error)
	// Schema returns the model's field metadata.
	Schema(ctx context.Context, model string) (ModelSchema, error)
}
