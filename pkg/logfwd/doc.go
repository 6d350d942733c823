/*
Package logfwd receives remote log streams and maintains the local log
files they land in.

Each streaming site gets one Forwarder: a secondary connection to the
remote node requesting the log kinds the site's options and the
remote's capabilities agree on. Received bytes are appended verbatim to
a rotating file under <work>/log and counted on the site's record.

RotatingWriter is the shared file contract: append until the size
threshold, then shift the numbered archives and start fresh. The
process-wide system and monitor logs use the same writer.
*/
package logfwd
