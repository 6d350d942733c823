package protocol

// The recipient field of a job list entry may arrive transformed by a
// position dependent additive mask. The transform is kept byte-exact so
// clients and daemons of mismatched versions can still talk; it is not a
// security feature.
//
// Within each 28 byte block the remote adds 9-p to bytes whose global
// index is divisible by three and 17-p to all others, where p is the
// position inside the block. The client subtracts the same amounts.

const blurBlockSize = 28

func blurDelta(i int) int {
	p := i % blurBlockSize
	if i%3 == 0 {
		return 9 - p
	}
	return 17 - p
}

// Deblur reverses the remote's recipient transform. The input slice is
// not modified.
func Deblur(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = byte(int(b) - blurDelta(i))
	}
	return out
}

// Blur applies the remote's recipient transform. Only used by tests and
// protocol simulators.
func Blur(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = byte(int(b) + blurDelta(i))
	}
	return out
}
