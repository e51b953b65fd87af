// Package cache defines the named, durable stores that hold cached responses.
// A Manager owns every store by name (a versioned app-shell store and one
// permanent asset store) and exposes get/put/remove on entries plus
// create/delete/list on whole stores. Two backends are provided: a
// filesystem layout (StoragePath/<store>/<key-id>.entry, written through a
// temp file + rename) and a bbolt database with one bucket per store. Both
// give per-entry atomicity and nothing more; concurrent writers to the same
// key race and the last write wins.
package cache
