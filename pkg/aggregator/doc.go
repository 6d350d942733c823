/*
Package aggregator derives everything in the status area that no single
polling client owns.

Group rows (records with an empty remote command) are recomputed every
rescan tick from the contiguous run of real sites following them:
connect status by maximum severity, log histories element-wise, numeric
fields by sum.

At each hour boundary the absolute counters the remotes report are
turned into per-period deltas against the six-slot baselines, one slot
per period (hour, day, week, month, year). A counter that went
backwards means the remote restarted or wrapped; the delta for that
period is zero and the baseline re-seeds. UTC midnight additionally
rotates the 7-day top arrays one slot to the right.
*/
package aggregator
