/*
Package snapshot maintains the per-site list snapshots: the host,
directory and job lists a remote node streams position by position, the
typesize vector, and the accumulated directory/job history.

All lists of all sites live in one bbolt database under <work>/fifo,
one bucket per list named after the flat file viewers historically read
(host_list.<alias>, old_job_list.<alias>, ...). A new count report
resizes the active list in DataStepSize blocks, parking the previous
content in a tmp companion bucket. Writing the last position commits
the snapshot; for directories and jobs the commit also reshuffles the
tmp content into the history, purging entries older than the retention
window and appending entries that vanished from the active snapshot.
The reshuffle deduplicates by id, so re-running it on the same inputs
is harmless.

If the database cannot be opened the managers run memory-only; the
active snapshots still serve the current session, only persistence
across restarts is lost.
*/
package snapshot
