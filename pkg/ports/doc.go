/*
Package ports allocates host ports for job deployments.

An Allocator turns a job's named port requests into a concrete
name-to-port assignment against the set of ports already committed to
other executions. Static requests are honored exactly or rejected;
dynamic requests draw from a configurable range. Allocation has no side
effects: the reconciler commits the result by writing it into the
executions ledger, and recomputes the in-use set from that ledger on
every pass.
*/
package ports
