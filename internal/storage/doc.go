// Package storage is the per-identity persistence engine behind every actor
// instance.
//
// Each identity owns exactly one SQLite file, <dir>/<identity>.sqlite. The
// file holds three things:
//   - the key-value table used by Get/Put/List (values are MessagePack encoded,
//     so nested maps, slices and time.Time survive a round trip)
//   - any tables the object creates through Exec/Prepare
//   - the single pending alarm row
//
// Reopening the same directory with the same identity observes every
// committed write, which is what lets an instance survive a process restart.
//
// A Storage handle is owned by one actor instance. It is safe for concurrent
// use by that instance's handlers and background tasks.
package storage
