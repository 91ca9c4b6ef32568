// Package storage persists highlight history.
//
// It supports:
//   - Highlight appends, activation marks and retention pruning
//   - Forwarding dedup state, so the notifier does not repeat itself after a restart
package storage
