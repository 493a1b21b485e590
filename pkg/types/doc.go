/*
Package types defines the data model shared by every relay package: the
presence registry (Peer) and the message queue (Message), plus the small
enums that drive their state machines.

# Core Types

Presence:
  - Peer: one row per live session (id, pid, hostname, last_seen, mode)
  - Mode: working or waiting, with the timestamp the mode started

Messages:
  - Message: one physical record per recipient (fan-out materializes N
    Messages sharing a ShortID but distinct MsgID)
  - MessageState: queued (deliverable) or inflight (held under a lease)

Sharded-realization extras:
  - SelfState: the per-agent singleton row a shard keeps about itself
  - Realization: Shared or Sharded, selecting the on-disk layout

None of these types carry JSON tags: the store persists them as SQL
columns, not as marshaled blobs, so Go field names are the only naming
surface that matters.
*/
package types
