/*
Package store persists Markov training data in a single SQLite database:
the raw message corpus, a write-optimized raw transition log, and a
read-optimized compacted states table whose per-state distributions are
packed binary blobs. The Compact operation folds the log into the
compacted table; generation only ever reads compacted entries through an
in-memory model.
*/
package store
