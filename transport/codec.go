package transport

// RawCodec is the default submux.Codec: message payload decoding is an
// explicit non-goal of the engine (spec.md §1), so this package's codec
// is a bare marker carrying only the name a reattach should resubscribe
// with — payload bytes are always handed to listeners as-is.
type RawCodec string

func (c RawCodec) Name() string { return string(c) }

// DefaultCodec is the RawCodec every transport.Conn subscribe uses when
// the caller has no codec preference of its own.
const DefaultCodec RawCodec = "raw"
