package protocol

// Initiates reports whether the connection with id a initiates pairwise
// voice signaling toward b. This is the protocol's tie-break: for any
// unordered pair exactly one side makes the offer, and both peers compute
// the same answer independently from the roster broadcast alone — there is
// no separate "you initiate" message. The lexicographically smaller id
// initiates.
func Initiates(a, b string) bool {
	return a < b
}
