/*
Package ssa implements the shared status area: the typed per-site record
store the supervisor, pollers and aggregator write into, and the
fixed-layout files external viewers read.

The in-process Store holds one SiteRecord per monitored site. Ownership
is partitioned: each record's live fields belong to the polling client of
that site, the counter baselines and top arrays belong to the aggregator,
group rows belong to the supervisor. Every mutation bumps the record's
Seq counter (odd while a write is in flight) so viewers can detect and
retry torn reads.

The Publisher serializes the store into <work>/fifo/status_area on a
short interval, writing a temp file and renaming so readers always see a
complete area. supervisor_status and supervisor_active are published the
same way; ReadSnapshot and ReadActive are the viewer half.
*/
package ssa
