// Package archive moves aged daily menus out of the primary store.
//
// A cycle snapshots the ids of all menus dated before the cutoff, then for
// each batch copies the menus, their items and their selections into the
// archive store under new ids (selections are re-pointed at the new menu id)
// and deletes the originals. Copies are keyed by date, so a cycle that
// finds an archive record for the same day replaces it.
package archive
