package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"studio-backend/internal/schema"
)

var vld = validator.New()

// Validator is a request-payload validator compiled from a module's resolved
// field list. No entity has a static schema; rules are derived per field
// type. The partial variant treats every field as optional (partial updates).
type Validator struct {
	fields  []schema.Field
	partial bool
}

// CompileValidator builds a validator over the given fields. partial=false
// enforces every required field; partial=true makes all fields optional.
func CompileValidator(fields []schema.Field, partial bool) *Validator {
	return &Validator{fields: fields, partial: partial}
}

// Validate checks the payload and returns one issue per failing field.
// An empty result means the payload passed.
func (v *Validator) Validate(payload map[string]any) []ErrorDetail {
	var issues []ErrorDetail
	for _, f := range v.fields {
		val, present := payload[f.Name]
		if !present || val == nil {
			if f.Required && !v.partial {
				issues = append(issues, ErrorDetail{Field: f.Name, Message: fmt.Sprintf("%s is required", label(f))})
			}
			continue
		}
		if msg := checkValue(f, val); msg != "" {
			issues = append(issues, ErrorDetail{Field: f.Name, Message: msg})
		}
	}
	return issues
}

func label(f schema.Field) string {
	if f.Label != "" {
		return f.Label
	}
	return f.Name
}

func checkValue(f schema.Field, val any) string {
	switch f.Type {
	case schema.TypeText:
		s, ok := val.(string)
		if !ok {
			return "must be a string"
		}
		if strings.Contains(f.Name, "email") {
			if err := vld.Var(s, "required,email"); err != nil {
				return "must be a valid email address"
			}
		}
		return ""

	case schema.TypeTextarea:
		if _, ok := val.(string); !ok {
			return "must be a string"
		}
		return ""

	case schema.TypeNumber:
		if !isNumeric(val) {
			return "must be a number"
		}
		return ""

	case schema.TypeBoolean:
		if _, ok := val.(bool); !ok {
			return "must be a boolean"
		}
		return ""

	case schema.TypeSelect:
		s, ok := val.(string)
		if !ok {
			return "must be a string"
		}
		for _, opt := range f.Options {
			if s == opt {
				return ""
			}
		}
		return fmt.Sprintf("must be one of: %s", strings.Join(f.Options, ", "))

	case schema.TypeDate:
		s, ok := val.(string)
		if !ok {
			return "must be a string"
		}
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return "must be a date in YYYY-MM-DD format"
		}
		return ""

	case schema.TypeTime:
		s, ok := val.(string)
		if !ok {
			return "must be a string"
		}
		if _, err := time.Parse("15:04", s); err != nil {
			return "must be a time in HH:MM format"
		}
		return ""

	case schema.TypePassword:
		s, ok := val.(string)
		if !ok {
			return "must be a string"
		}
		if err := vld.Var(s, "min=6"); err != nil {
			return "must be at least 6 characters"
		}
		return ""

	case schema.TypeRelation:
		if f.Relation != nil && f.Relation.Multiple {
			list, ok := val.([]any)
			if !ok || len(list) == 0 {
				return "must be a non-empty list of ids"
			}
			for _, item := range list {
				if !isPositiveID(item) {
					return "must contain only positive ids"
				}
			}
			return ""
		}
		if !isPositiveID(val) {
			return "must be a positive id"
		}
		return ""

	case schema.TypeRange:
		list, ok := val.([]any)
		if !ok || len(list) != 2 {
			return "must be a pair of values"
		}
		for _, item := range list {
			if _, ok := item.(string); !ok {
				return "must be a pair of strings"
			}
		}
		return ""

	default:
		// Unknown field types validate permissively.
		return ""
	}
}

func isNumeric(val any) bool {
	switch n := val.(type) {
	case float64, float32, int, int64, int32:
		return true
	case string:
		_, err := strconv.ParseFloat(n, 64)
		return err == nil
	default:
		return false
	}
}

func isPositiveID(val any) bool {
	switch n := val.(type) {
	case float64:
		return n > 0 && n == float64(int64(n))
	case int:
		return n > 0
	case int64:
		return n > 0
	case string:
		id, err := strconv.ParseInt(n, 10, 64)
		return err == nil && id > 0
	default:
		return false
	}
}
