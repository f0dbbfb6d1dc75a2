// Package store defines interfaces for persistence dependencies (runs,
// checkpoints, raw lineage and normalized quotes). Implementations live in
// internal/storage; this package must not import database drivers or concrete
// clients.
package store
