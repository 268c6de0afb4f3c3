/*
Package types defines the core data model shared across Bosun packages.

The model separates what the master wants (Task: a Job plus a Goal) from
what the agent has committed to (Execution: a Job, a Goal, and a frozen
port allocation). Tasks arrive from the desired-state source; executions
are owned by the reconciler and persisted across agent restarts so that
port allocations survive crashes.

JobID is the stable identity used to key both tables. It includes a
content hash so that redeploying a changed descriptor under the same
name and version produces a distinct job.
*/
package types
