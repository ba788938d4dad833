// Package stores provides the pass journal: an append-only SQLite record of
// model runs, component passes and executor events. The dataflow graph
// itself is never stored; the journal only answers "what ran, when, and how
// did it end".
package stores
