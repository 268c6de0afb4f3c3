/*
Package store persists the agent's committed executions ledger.

The ledger is a single value, the whole JobID-to-Execution map, replaced
atomically on every write. BoltStore is the durable implementation used
by the agent daemon; MemoryStore backs tests. The reconciler is the only
writer, and it persists before mutating supervisors so that a crash can
always be recovered from the last durable map.
*/
package store
