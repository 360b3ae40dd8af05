// Package storage persists whole documents by key, either as files
// replaced through a temp file and rename, or as rows in SQLite.
package storage
