// Package transport is the default RESP2 pub/sub Connection/Codec pair
// for submux, adapted from pascaldekloe-redis's client.go/resp.go/codec.go:
// the same bufio-based decode helpers and channel-as-semaphore write lock,
// generalized from a full Redis command client down to the four verbs a
// pub/sub multiplexer actually issues (SUBSCRIBE, UNSUBSCRIBE, PSUBSCRIBE,
// PUNSUBSCRIBE).
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
)

// errProtocol marks a RESP decode failure that does not originate from
// the network itself (a malformed line, an unexpected reply type).
var errProtocol = errors.New("transport: protocol violation")

// ServerError is a RESP error reply ("-ERR ..."), returned verbatim.
type ServerError string

func (e ServerError) Error() string { return "transport: redis: " + string(e) }

// readLF reads one CRLF-terminated line, including the CRLF itself. The
// returned slice is only valid until the next read on r.
func readLF(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	if err != nil {
		if err == bufio.ErrBufferFull {
			err = fmt.Errorf("%w: line exceeds %d-byte buffer", errProtocol, r.Size())
		}
		return nil, err
	}
	return line, nil
}

// parseInt parses the decimal digits of a RESP length/integer line,
// tolerating a leading '-' for negative sizes (RESP null markers).
func parseInt(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	neg := b[0] == '-'
	if neg {
		b = b[1:]
	}
	var n int64
	for _, c := range b {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n
}

// decodeOK consumes a simple-string "+OK\r\n" reply. None of the commands
// this package issues is answered that way, and decodePush does not call
// it.
func decodeOK(r *bufio.Reader) error {
	line, err := readLF(r)
	if err != nil {
		return err
	}
	if len(line) < 3 {
		return fmt.Errorf("%w: empty reply line %q", errProtocol, line)
	}
	switch line[0] {
	case '+':
		return nil
	case '-':
		return ServerError(line[1 : len(line)-2])
	}
	return fmt.Errorf("%w: want simple string, got %.40q", errProtocol, line)
}

// decodeInteger consumes a RESP integer reply (":123\r\n"), the shape of
// PUBLISH's subscriber-count response.
func decodeInteger(r *bufio.Reader) (int64, error) {
	line, err := readLF(r)
	if err != nil {
		return 0, err
	}
	if len(line) < 3 {
		return 0, fmt.Errorf("%w: empty reply line %q", errProtocol, line)
	}
	switch line[0] {
	case ':':
		return parseInt(line[1 : len(line)-2]), nil
	case '-':
		return 0, ServerError(line[1 : len(line)-2])
	}
	return 0, fmt.Errorf("%w: want integer, got %.40q", errProtocol, line)
}

// pushMessage is one decoded push-type array: "message"/"pmessage" carry a
// payload, "subscribe"/"unsubscribe"/"psubscribe"/"punsubscribe" carry the
// backend's running subscription count instead.
type pushMessage struct {
	kind    string // message, pmessage, subscribe, unsubscribe, psubscribe, punsubscribe
	pattern string // only set for pmessage; psubscribe/punsubscribe carry their pattern in channel
	channel string
	payload []byte
	count   int64
}

// decodePush reads one RESP array reply representing a pub/sub push
// message, per <https://redis.io/docs/manual/pubsub/>. It generalizes the
// teacher's decodePushArray (pubsub.go's receiveLoop caller) to the three
// extra push kinds PSUBSCRIBE/PUNSUBSCRIBE introduce (pmessage, psubscribe,
// punsubscribe).
func decodePush(r *bufio.Reader) (pushMessage, error) {
	var msg pushMessage

	line, err := readLF(r)
	if err != nil {
		return msg, err
	}
	if len(line) < 3 || line[0] != '*' {
		return msg, fmt.Errorf("%w: want push array, got %.40q", errProtocol, line)
	}
	n := parseInt(line[1 : len(line)-2])

	kind, err := decodeBulkString(r)
	if err != nil {
		return msg, err
	}
	msg.kind = kind

	switch kind {
	case "message":
		if msg.channel, err = decodeBulkString(r); err != nil {
			return msg, err
		}
		if msg.payload, err = decodeBulkBytes(r); err != nil {
			return msg, err
		}
	case "pmessage":
		if msg.pattern, err = decodeBulkString(r); err != nil {
			return msg, err
		}
		if msg.channel, err = decodeBulkString(r); err != nil {
			return msg, err
		}
		if msg.payload, err = decodeBulkBytes(r); err != nil {
			return msg, err
		}
	case "subscribe", "unsubscribe", "psubscribe", "punsubscribe":
		if msg.channel, err = decodeBulkString(r); err != nil {
			return msg, err
		}
		if msg.count, err = decodeInteger(r); err != nil {
			return msg, err
		}
	default:
		return msg, fmt.Errorf("%w: unrecognized push type %q", errProtocol, kind)
	}
	_ = n // element count is implied by kind; not separately validated
	return msg, nil
}

func decodeBulkString(r *bufio.Reader) (string, error) {
	b, err := decodeBulkBytes(r)
	return string(b), err
}

func decodeBulkBytes(r *bufio.Reader) ([]byte, error) {
	line, err := readLF(r)
	if err != nil {
		return nil, err
	}
	if len(line) < 3 || line[0] != '$' {
		return nil, fmt.Errorf("%w: want bulk string, got %.40q", errProtocol, line)
	}
	size := parseInt(line[1 : len(line)-2])
	if size < 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	if size > 0 {
		if _, err := readFull(r, buf); err != nil {
			return nil, err
		}
	}
	if _, err := r.Discard(2); err != nil { // trailing CRLF
		return nil, err
	}
	return buf, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	done := 0
	for done < len(buf) {
		n, err := r.Read(buf[done:])
		done += n
		if err != nil {
			return done, err
		}
	}
	return done, nil
}

// appendBulk appends one RESP bulk-string element ("$<len>\r\n<data>\r\n")
// to buf.
func appendBulk(buf []byte, s string) []byte {
	buf = append(buf, '$')
	buf = strconv.AppendInt(buf, int64(len(s)), 10)
	buf = append(buf, '\r', '\n')
	buf = append(buf, s...)
	buf = append(buf, '\r', '\n')
	return buf
}

// appendArrayHeader appends a RESP array header ("*<n>\r\n") to buf.
func appendArrayHeader(buf []byte, n int) []byte {
	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(n), 10)
	buf = append(buf, '\r', '\n')
	return buf
}
