package store

import "gorm.io/gorm"

// LogicalOp combines a set of Criterion clauses.
type LogicalOp string

const (
	And LogicalOp = "AND"
	Or  LogicalOp = "OR"
)

// Criterion is a single `column op value` comparison.
type Criterion struct {
	Column string
	Op     string // "=", "!=", "<", "<=", ">", ">=", "IN", "LIKE"
	Value  interface{}
}

// Criteria is a list of Criterion combined with a single LogicalOp. Apply
// turns it into WHERE clauses, so a filter can be expressed without
// hand-rolling SQL.
type Criteria struct {
	Op    LogicalOp
	Terms []Criterion
}

// Apply attaches the criteria as WHERE clauses on db.
func (c Criteria) Apply(db *gorm.DB) *gorm.DB {
	if len(c.Terms) == 0 {
		return db
	}

	switch c.Op {
	case Or:
		query := db
		for i, t := range c.Terms {
			clause := t.Column + " " + t.Op + " ?"
			if i == 0 {
				query = query.Where(clause, t.Value)
			} else {
				query = query.Or(clause, t.Value)
			}
		}
		return query
	default: // And
		query := db
		for _, t := range c.Terms {
			query = query.Where(t.Column+" "+t.Op+" ?", t.Value)
		}
		return query
	}
}

// Eq is a convenience constructor for a single equality criterion.
func Eq(column string, value interface{}) Criteria {
	return Criteria{Op: And, Terms: []Criterion{{Column: column, Op: "=", Value: value}}}
}
