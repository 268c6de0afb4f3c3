/*
Package agent implements the node-local reconciliation engine.

Three sources of truth meet here: the desired deployment table pushed by
the master, the persisted executions ledger recording what this node has
committed to (including its port allocations), and the observed status
of the live supervisors. The reconciler runs inside a coalescing reactor
and, on every pass, computes a new committed map, persists it before
touching any supervisor, then creates, closes and drives supervisors to
match.

The ledger is write-ahead: port allocations happen exactly once per
execution lifetime and survive agent restarts. On recovery the agent
recreates supervisors from the persisted ports without consulting the
allocator, and on shutdown it closes supervisors without stopping their
containers.

Two behaviors are easy to get wrong and are pinned down by tests: a
desired row that disappears without an undeploy goal does not stop its
container, and a job re-added while its undeploy is still in flight is
deferred until the old execution has been reaped, then started fresh
with newly allocated ports.
*/
package agent
