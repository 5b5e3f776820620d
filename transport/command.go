package transport

// buildCommand serializes a RESP array command whose every argument is a
// bulk string, mirroring the teacher's request builder (resp.go's
// `request` + its many `add*` variants) trimmed to the handful of
// argument shapes SUBSCRIBE/UNSUBSCRIBE/PSUBSCRIBE/PUNSUBSCRIBE need: a
// verb plus one or more strings. PUBLISH is out of scope (spec.md §1,
// consumers publish through their own command path, not this multiplexer).
func buildCommand(verb string, args ...string) []byte {
	buf := appendArrayHeader(nil, 1+len(args))
	buf = appendBulk(buf, verb)
	for _, a := range args {
		buf = appendBulk(buf, a)
	}
	return buf
}
