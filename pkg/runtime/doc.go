/*
Package runtime wraps containerd for the containerd-backed supervisor.

It exposes the handful of operations the supervisor drives: image pull,
container create (with the job's command, env and allocated ports baked
into the OCI spec), task start, graceful stop with SIGKILL escalation,
removal, and state inspection. All operations run inside the configured
containerd namespace so Bosun's containers are isolated from other
clients of the same daemon.
*/
package runtime
