/*
Package storage is the durable state layer: every peer and message
relay ever reasons about is a row in one of two SQLite layouts, never
an in-memory cache.

SharedStore backs realization (S): one bridge_v1.db with a peers table
and a messages table, contended by every process through SQLite's own
locking and the busy_timeout pragma.

ShardStore backs realization (P): one agent_<id>.db per process, each
holding self_state, inbox, outbox, and status_result. A ShardStore
never reasons about other shards; cross-shard movement is the
reconciler's job (pkg/heartbeat), driven by ListShards to discover
peers and OutboxEntry to describe a pending delivery.

Both layouts open with the same four pragmas (busy_timeout,
journal_mode=WAL, synchronous=NORMAL, foreign_keys) and route every
write through withTx, which classifies SQLITE_BUSY/SQLITE_LOCKED as
ErrStoreBusy rather than a generic error so callers can count and
surface it distinctly.
*/
package storage
