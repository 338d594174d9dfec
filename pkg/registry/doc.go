// Package registry implements the Task Registry: the durable source of
// truth for task state, dependencies, events, and artifact references.
//
// Storage is one JSON document per taskset plus one append-only JSONL event
// journal per taskset, each guarded by a per-spec advisory lockfile. Reads
// are lock-free; writes are serialized per spec so independent specs
// proceed concurrently.
package registry
