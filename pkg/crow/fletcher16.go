// Package crow implements the host side of the Crow v2 serial
// request/response protocol: wire codec, response parser, and the
// transaction engine that drives a timed serial read loop.
package crow

// fletcher16Sums computes the running Fletcher-16 lower and upper sums over
// data, starting from zero. Runs in this protocol are never longer than 130
// bytes (a full chunk plus its check bytes), so the sums never need
// reduction until the final step.
func fletcher16Sums(data []byte) (lower, upper int) {
	for _, b := range data {
		lower += int(b)
		upper += lower
	}
	return lower, upper
}

// CheckBytes returns the two Fletcher-16 check bytes for data: appending
// them to data makes the running Fletcher-16 of the whole run zero in both
// sums, mod 255. The upper sum is emitted first, then the lower sum, which
// is the order used on the wire.
func CheckBytes(data []byte) [2]byte {
	lower, upper := fletcher16Sums(data)
	c0 := 0xff - ((lower + upper) % 0xff)
	c1 := 0xff - ((lower + c0) % 0xff)
	return [2]byte{byte(c0), byte(c1)}
}

// Verify reports whether data (a run with its trailing check bytes already
// appended) has a zero Fletcher-16 in both sums, mod 255.
func Verify(data []byte) bool {
	lower, upper := fletcher16Sums(data)
	return lower%0xff == 0 && upper%0xff == 0
}
