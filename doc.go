// Package pagedb implements the transactional page store at the heart of
// an embedded, memory-mapped storage engine: a single writer and many
// concurrent readers operate on fixed-size pages through copy-on-write,
// with durability provided by an append-only journal and crash safety
// backstopped by a process-wide catastrophic-failure latch.
//
// The package is deliberately narrow. It knows nothing about B-trees,
// buckets, or any other structure built on top of a page; callers reach
// the store through LowLevelTransaction.GetPage / ModifyPage /
// AllocatePage / FreePage and treat page bytes as opaque.
package pagedb
