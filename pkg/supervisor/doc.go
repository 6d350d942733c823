/*
Package supervisor is the fleetmon control loop.

It owns the whole runtime: the shared status area, one polling client
per monitored site, one log forwarder per log-streaming site, the
aggregator passes, the status publisher, and the two process-wide log
files. All of that hangs off a single select loop driven by a one
second tick:

	              control.sock
	                   |
	   signals --->  select  <--- child exits
	                   |
	                 1s tick
	          /        |         \
	   config reload   aggregator  heartbeat

Children are goroutines, not processes. Each runs behind a panic
barrier and reports its exit to the loop, which reschedules crashed
polling clients with escalating backoff. A client that keeps dying
within the crash window accumulates restarts; after the limit the
supervisor marks the site defunct and stops respawning it. Enabling
the site over the control socket resets the counter.

The control socket accepts single-byte opcodes (shutdown, start,
liveness probe, log capability report, per-site disable/enable), each
optionally followed by a 32-bit site index, and answers with a single
ack byte. SendCommand is the client side, used by the CLI.

A sysadmin can keep the supervisor from running at all by creating the
block sentinel under <work>/etc; Run then returns ErrDisabled without
touching anything.

Fatal memory faults surface as runtime panics in Go. Panics inside a
child are contained by the restart machinery; a panic in the loop
itself unwinds the deferred teardown and crashes the process with a
stack trace, which is the moral equivalent of the abort-for-core-dump
behaviour of classic supervisors.
*/
package supervisor
