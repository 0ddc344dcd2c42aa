// Package testutil holds deterministic helpers shared by tests and the
// scenario harness.
package testutil

import "github.com/roach88/rowsync/internal/model"

// SalesScope is a two-table scope used across tests: customers and their
// orders, filterable by customer.
func SalesScope() model.ScopeDefinition {
	return model.ScopeDefinition{
		Name:    "sales",
		Version: "1",
		Tables: []model.Table{
			{Name: "customer", Columns: []model.Column{
				{Name: "id", Type: "INTEGER", PrimaryKey: true},
				{Name: "name", Type: "TEXT"},
			}},
			{Name: "orders", Columns: []model.Column{
				{Name: "id", Type: "INTEGER", PrimaryKey: true},
				{Name: "customer_id", Type: "INTEGER"},
				{Name: "amount", Type: "INTEGER"},
			}, Filter: &model.Filter{Column: "customer_id", Parameter: "customer"}},
		},
	}
}
