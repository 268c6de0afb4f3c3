/*
Package events is an in-process pub/sub broker for agent lifecycle
events.

Supervisors publish state transitions through the broker; the agent
subscribes and folds them into reactor pokes, which is how a container
exiting in the background eventually shows up in a reconciliation pass.
Delivery is best-effort: a subscriber that falls behind loses events,
which is acceptable because the reconciler re-reads all state on every
pass anyway.
*/
package events
