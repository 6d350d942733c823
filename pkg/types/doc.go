/*
Package types defines the core data structures used throughout fleetmon.

This package contains the fundamental types of the monitoring domain model:
the per-site status record published in the shared status area, the
host/directory/job list snapshot rows, counter rings, connect statuses,
failover modes, control channel opcodes and the shared layout constants.
All other packages build on these definitions.

# Core Types

  - SiteRecord: one fixed-layout record per monitored site
  - SupervisorStatus: the process-wide status record
  - HostEntry, DirEntry, JobEntry: snapshot rows reported by a remote node
  - Typesize: the remote's declared compile-time field widths
  - ProcEntry: runtime bookkeeping for the tasks serving one site

# Ownership

Exactly one polling client writes the live fields of a site record. The
aggregator owns the counter baselines (slots 1..5) and the rolling Top*
arrays. The supervisor owns group rows. External viewers read the
published status area without coordination and use the per-record Seq
counter to detect torn reads.
*/
package types
