/*
Package poller implements the polling client: one per monitored site,
speaking the client half of the tagged status protocol with the remote
status daemon.

A client dials the endpoint its record's toggle selects (wrapping in
TLS when configured), sends START_STAT, and then streams: every
complete message is parsed and dispatched: list updates to the site's
snapshot manager, everything else into the shared status area. When the
poll interval passes without inbound bytes a STAT solicits a fresh
snapshot.

Sessions end four ways. Cancellation sends a graceful QUIT and returns
nil. A configured connect/disconnect window sends QUIT at the window's
end and reconnects internally after the disconnect time. The remote's
shutdown literal returns protocol.ErrShutdown. A network error returns
the read error; the supervisor decides whether to respawn.

Connect failures retry on the retry interval. Under automatic
switching, an endpoint that keeps failing for a whole retry interval
makes the client flip the record's toggle and try the alternate.
*/
package poller
