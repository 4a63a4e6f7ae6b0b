// Package tracker implements the authoritative in-memory task index
// (§4.4), mirrored to the key-value store through the package's own
// Store interface (PutTask/DeleteTask).
package tracker

import (
	memdb "github.com/hashicorp/go-memdb"
)

const tableTasks = "tasks"

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableTasks: {
				Name: tableTasks,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"app": {
						Name:    "app",
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "AppIDStr"},
					},
				},
			},
		},
	}
}

