// Package prefs persists small per-user preferences, such as selected
// filters, behind the cache store.
//
// Records live in a SQL table accessed through a go-repository-bun
// repository. Reads go through the cache with the "prefs" tag and every
// write invalidates that tag, so the next read is served from the database.
package prefs
