// The TableSpec types live here so the warehouse schema, the loader and every
// backend package can import them without circular deps.
package storage

import (
	"fmt"
	"strings"
)

type TableSpec struct {
	Name            string           `json:"name" yaml:"name"`
	AutoCreateTable bool             `json:"auto_create_table" yaml:"auto_create_table"`
	PrimaryKey      *PrimaryKeySpec  `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`
	Columns         []ColumnSpec     `json:"columns" yaml:"columns"`
	Constraints     []ConstraintSpec `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	Load            LoadSpec         `json:"load" yaml:"load"`
}

type PrimaryKeySpec struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"` // e.g. INTEGER, serial / int identity
}

type ColumnSpec struct {
	Name       string `json:"name" yaml:"name"`
	Type       string `json:"type" yaml:"type"`
	References string `json:"references,omitempty" yaml:"references,omitempty"` // "table(column)"
	Nullable   *bool  `json:"nullable,omitempty" yaml:"nullable,omitempty"`
}

// IsNullable reports whether the column accepts NULL. An unset Nullable means
// nullable, matching plain SQL column semantics.
func (c ColumnSpec) IsNullable() bool {
	if c.Nullable == nil {
		return true
	}
	return *c.Nullable
}

type ConstraintSpec struct {
	Kind    string   `json:"kind" yaml:"kind"` // "unique"
	Columns []string `json:"columns" yaml:"columns"`
}

type LoadSpec struct {
	Kind string `json:"kind" yaml:"kind"` // "dimension" | "fact"

	// dimension: column holding the business identifier used for key lookups.
	BusinessKey string `json:"business_key,omitempty" yaml:"business_key,omitempty"`

	// fact
	Dedupe *DedupeSpec `json:"dedupe,omitempty" yaml:"dedupe,omitempty"`
}

type DedupeSpec struct {
	ConflictColumns []string `json:"conflict_columns" yaml:"conflict_columns"`
	Action          string   `json:"action" yaml:"action"` // "do_nothing"
}

// ColumnNames returns the primary key column (if any) followed by the
// configured columns, in DDL order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, 0, len(t.Columns)+1)
	if t.PrimaryKey != nil {
		out = append(out, t.PrimaryKey.Name)
	}
	for _, c := range t.Columns {
		out = append(out, c.Name)
	}
	return out
}

// ForeignKeys returns column -> referenced table for every column with a
// REFERENCES clause.
func (t TableSpec) ForeignKeys() map[string]string {
	out := map[string]string{}
	for _, c := range t.Columns {
		if strings.TrimSpace(c.References) == "" {
			continue
		}
		table, _, err := ParseReference(c.References)
		if err != nil {
			continue
		}
		out[c.Name] = table
	}
	return out
}

// ParseReference splits "dim_vehicle(vehicle_key)" into its table and column.
func ParseReference(ref string) (table string, column string, err error) {
	ref = strings.TrimSpace(ref)
	open := strings.IndexByte(ref, '(')
	if open <= 0 || !strings.HasSuffix(ref, ")") {
		return "", "", fmt.Errorf("invalid reference %q: want table(column)", ref)
	}
	table = strings.TrimSpace(ref[:open])
	column = strings.TrimSpace(ref[open+1 : len(ref)-1])
	if table == "" || column == "" || strings.ContainsAny(column, ",()") {
		return "", "", fmt.Errorf("invalid reference %q: want table(column)", ref)
	}
	return table, column, nil
}

// OrderTables returns tables sorted so every referenced table precedes the
// tables that reference it. The relative order of independent tables is kept.
//
// Errors:
//   - a REFERENCES clause naming a table outside the set
//   - a reference cycle
func OrderTables(tables []TableSpec) ([]TableSpec, error) {
	byName := make(map[string]int, len(tables))
	for i, t := range tables {
		if _, dup := byName[t.Name]; dup {
			return nil, fmt.Errorf("duplicate table %s", t.Name)
		}
		byName[t.Name] = i
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(tables))
	out := make([]TableSpec, 0, len(tables))

	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("reference cycle through table %s", tables[i].Name)
		}
		state[i] = visiting
		for _, c := range tables[i].Columns {
			if strings.TrimSpace(c.References) == "" {
				continue
			}
			ref, _, err := ParseReference(c.References)
			if err != nil {
				return fmt.Errorf("table %s column %s: %w", tables[i].Name, c.Name, err)
			}
			j, ok := byName[ref]
			if !ok {
				return fmt.Errorf("table %s column %s references unknown table %s", tables[i].Name, c.Name, ref)
			}
			if j == i {
				continue
			}
			if err := visit(j); err != nil {
				return err
			}
		}
		state[i] = done
		out = append(out, tables[i])
		return nil
	}

	for i := range tables {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return out, nil
}
