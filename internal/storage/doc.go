// Package storage is the SQLite persistence layer shared by the primary and
// the archive store.
//
// Both stores use the same schema (see migrations/). The archive store is a
// physically separate database file that only the archival engine writes to.
//
// It provides:
//   - transactional access to menus, items and selections (Tx)
//   - read helpers used by the notification dispatcher
//   - durable dispatch markers (last fired period per notification kind)
package storage
