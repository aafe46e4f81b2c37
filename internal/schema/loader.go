package schema

import (
	"context"
	"fmt"

	"studio-backend/internal/store"
)

func loadModuleByID(ctx context.Context, q store.Querier, d store.Dialect, id int64) (*Module, error) {
	pb := d.NewParamBuilder()
	row, err := store.QueryRow(ctx, q, fmt.Sprintf(
		"SELECT id, name, has_custom_fields, parent_module_id, active FROM modules WHERE id = %s", pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}
	return scanModule(row), nil
}

func loadModuleByName(ctx context.Context, q store.Querier, d store.Dialect, name string) (*Module, error) {
	pb := d.NewParamBuilder()
	row, err := store.QueryRow(ctx, q, fmt.Sprintf(
		"SELECT id, name, has_custom_fields, parent_module_id, active FROM modules WHERE name = %s", pb.Add(name)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}
	return scanModule(row), nil
}

func scanModule(row map[string]any) *Module {
	m := &Module{
		ID:              asInt64(row["id"]),
		Name:            asString(row["name"]),
		HasCustomFields: asBool(row["has_custom_fields"]),
		Active:          asBool(row["active"]),
	}
	if row["parent_module_id"] != nil {
		pid := asInt64(row["parent_module_id"])
		m.ParentModuleID = &pid
	}
	return m
}

func loadBlocks(ctx context.Context, q store.Querier, d store.Dialect, moduleID int64) ([]Block, error) {
	pb := d.NewParamBuilder()
	rows, err := store.QueryRows(ctx, q, fmt.Sprintf(
		`SELECT id, module_id, name, description, order_num, collapsible, display_mode
FROM blocks WHERE module_id = %s ORDER BY order_num, id`, pb.Add(moduleID)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}
	blocks := make([]Block, 0, len(rows))
	for _, row := range rows {
		blocks = append(blocks, Block{
			ID:          asInt64(row["id"]),
			ModuleID:    asInt64(row["module_id"]),
			Name:        asString(row["name"]),
			Description: asString(row["description"]),
			Order:       int(asInt64(row["order_num"])),
			Collapsible: asBool(row["collapsible"]),
			DisplayMode: asString(row["display_mode"]),
		})
	}
	return blocks, nil
}

func loadFields(ctx context.Context, q store.Querier, d store.Dialect, blockID int64) ([]Field, error) {
	pb := d.NewParamBuilder()
	rows, err := store.QueryRows(ctx, q, fmt.Sprintf(
		`SELECT id, block_id, name, label, type, required, options, relation_config, order_sequence
FROM fields WHERE block_id = %s ORDER BY order_sequence, id`, pb.Add(blockID)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}
	fields := make([]Field, 0, len(rows))
	for _, row := range rows {
		fields = append(fields, Field{
			ID:            asInt64(row["id"]),
			BlockID:       asInt64(row["block_id"]),
			Name:          asString(row["name"]),
			Label:         asString(row["label"]),
			Type:          asString(row["type"]),
			Required:      asBool(row["required"]),
			Options:       decodeOptions(asString(row["options"])),
			Relation:      decodeRelation(asString(row["relation_config"])),
			OrderSequence: int(asInt64(row["order_sequence"])),
		})
	}
	return fields, nil
}

func loadRoleNames(ctx context.Context, q store.Querier) ([]string, error) {
	rows, err := store.QueryRows(ctx, q, "SELECT name FROM roles ORDER BY id")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		names = append(names, asString(row["name"]))
	}
	return names, nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int64:
		return b != 0
	case int:
		return b != 0
	case float64:
		return b != 0
	default:
		return false
	}
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
