// Package store is the daemon's embedded transactional durable state: a
// key-value surface (KV), named FIFO queues (QueueSet), and a typed
// entity/relationship graph (Graph) with bounded BFS traversal, plus the
// append-only event log (EventLog) the router writes to before dispatch.
//
// All four surfaces share one *bbolt.DB handle (Open). Each method runs in
// its own bbolt transaction, and the handle is not exported, so callers
// cannot group operations on different surfaces into one transaction.
// KV.PutBatch writes several KV keys in a single transaction.
//
// Bucket layout:
//
//	kv                       flat key -> value
//	queues/<name>            sequence -> queued value, per named queue
//	entities/<type>          id -> entity, one sub-bucket per entity type
//	relationships            composite key -> relationship
//	relationships_by_from    composite key -> relationships primary key
//	relationships_by_to      composite key -> relationships primary key
//	eventlog                 sequence -> event
//	indexes/*                reserved for internal/composition's index
package store
