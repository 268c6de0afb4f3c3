/*
Package supervisor defines the per-job container controller.

The Supervisor interface is the capability set the reconciler consumes:
request a direction (Start/Stop), observe progress (Status), and discard
(Close). Close never stops the container; an agent restart must not take
user workloads down with it.

The containerd implementation runs one background goroutine per
supervisor that converges the container toward the last requested goal,
restarting it if it dies while the goal is up. State transitions are
published on the shared event broker so the agent can fold them into
reconciliation passes.
*/
package supervisor
