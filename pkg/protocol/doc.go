/*
Package protocol implements the client half of the remote status daemon
wire protocol.

Each message is a two letter tag, a space and a tag specific payload,
framed by CRLF on the wire (the framing layer treats CR and NUL as the
terminator). Numeric command replies are three digits followed by a dash.
The Parser turns one framed message into a typed Update; it performs no
I/O and keeps no state beyond the remote's typesize vector and a per-tag
warn latch, so replaying the same messages always yields the same updates
regardless of how reads were chunked.

Deblur reverses the position dependent additive mask some remotes apply
to job recipients; it is byte-exact for interoperability, not a security
feature.
*/
package protocol
