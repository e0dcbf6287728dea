// Package storage persists what a conversation run must not forget across
// restarts.
//
// It currently supports:
//   - Audit log appends (sends and run outcomes)
//   - Seen message IDs per thread, so a restarted process does not report an
//     old reply as new
package storage
