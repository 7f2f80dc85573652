// Package sqlite provides the persistent cache backend backed by SQLite.
//
// Every cache store is a row in cache_stores; its entries live in
// cache_entries ordered by an autoincrement sequence, so an overwrite
// (delete then insert) moves a key to the end of insertion order.
package sqlite
