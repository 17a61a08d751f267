// Package storage is the sqlite persistence layer.
//
// It holds:
//   - accounts with their credential blob and check-in settings
//   - the append-only check-in record log
//   - schedule triggers (the daily times that fire batch runs)
//
// The schema is versioned with golang-migrate; migrations are embedded.
package storage
