package schema

import "encoding/json"

// Field type names as stored in the fields table.
const (
	TypeText     = "text"
	TypeTextarea = "textarea"
	TypeNumber   = "number"
	TypeBoolean  = "boolean"
	TypeSelect   = "select"
	TypeDate     = "date"
	TypeTime     = "time"
	TypePassword = "password"
	TypeRelation = "relation"
	TypeRange    = "range"
)

// Module is a logical entity type that may own dynamic attributes.
type Module struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	HasCustomFields bool   `json:"has_custom_fields"`
	ParentModuleID  *int64 `json:"parent_module_id,omitempty"`
	Active          bool   `json:"active"`
}

// Block is a named, orderable grouping of fields within a module. Ordering
// is presentational only.
type Block struct {
	ID          int64  `json:"id"`
	ModuleID    int64  `json:"module_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Order       int    `json:"order"`
	Collapsible bool   `json:"collapsible"`
	DisplayMode string `json:"display_mode"`
}

// Field is the metadata definition of one dynamic attribute. Options and
// Relation are decoded once at resolve time from the stored JSON blobs.
type Field struct {
	ID            int64           `json:"id"`
	BlockID       int64           `json:"block_id"`
	Name          string          `json:"name"`
	Label         string          `json:"label"`
	Type          string          `json:"type"`
	Required      bool            `json:"required"`
	Options       []string        `json:"options,omitempty"`
	Relation      *RelationConfig `json:"relation_config,omitempty"`
	OrderSequence int             `json:"order_sequence"`
}

// RelationConfig describes the lookup behind a relation-typed field.
type RelationConfig struct {
	Table        string         `json:"table"`
	ValueField   string         `json:"value_field"`
	DisplayField string         `json:"display_field"`
	DisplayAlias string         `json:"display_alias,omitempty"`
	Filters      map[string]any `json:"filters,omitempty"`
	Multiple     bool           `json:"multiple,omitempty"`
	Searchable   bool           `json:"searchable,omitempty"`
	Limit        int            `json:"limit,omitempty"`
}

// Resolved is the full inheritance-aware schema tree for one module.
type Resolved struct {
	Module Module          `json:"module"`
	Blocks []ResolvedBlock `json:"blocks"`
}

// ResolvedBlock is a block plus its ordered fields. Inherited marks blocks
// contributed by a parent module.
type ResolvedBlock struct {
	Block
	Inherited bool    `json:"inherited"`
	Fields    []Field `json:"fields"`
}

// Fields returns every field of every block, in block order.
func (r *Resolved) Fields() []Field {
	var fields []Field
	for _, b := range r.Blocks {
		fields = append(fields, b.Fields...)
	}
	return fields
}

// FieldByName returns the field with the given internal name, or nil.
func (r *Resolved) FieldByName(name string) *Field {
	for i := range r.Blocks {
		for j := range r.Blocks[i].Fields {
			if r.Blocks[i].Fields[j].Name == name {
				return &r.Blocks[i].Fields[j]
			}
		}
	}
	return nil
}

// decodeOptions parses the stored options JSON. Malformed JSON degrades to
// an empty list, never an error.
func decodeOptions(raw string) []string {
	if raw == "" {
		return nil
	}
	var opts []string
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return nil
	}
	return opts
}

// decodeRelation parses the stored relation_config JSON. Malformed JSON
// degrades to nil, never an error.
func decodeRelation(raw string) *RelationConfig {
	if raw == "" {
		return nil
	}
	var cfg RelationConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil
	}
	return &cfg
}
