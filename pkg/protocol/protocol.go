// Package protocol implements the binary wire protocol spoken between FDB
// clients and the server.
//
// Protocol Format:
//   - Every message is a frame: a 4-byte big-endian body length, then the body
//   - A command body is a type byte followed by a uvarint argument count and
//     the length-prefixed arguments
//   - A response body is a type byte followed by a type-specific payload
//   - Values travel in the value package's binary encoding
//
// Because every payload is length-prefixed, arbitrary binary data can be
// carried without any escaping.
//
// Example usage:
//
//	cmd := protocol.NewCommand(protocol.CmdSet, "user:123", value.String("alice"))
//	if err := protocol.WriteCommand(conn, cmd); err != nil {
//		log.Fatal(err)
//	}
//
//	resp, err := protocol.ReadResponse(conn)
//
// Supported commands:
//   - Data: GET, SET, DEL, EXISTS
//   - Keyspace: KEYS, DBSIZE, FLUSHDB
//   - Server: PING, INFO, SAVE
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fdbkv/fdb/pkg/value"
)

// Protocol constants
const (
	frameHeaderSize = 4

	// frameInitialBuffer is the largest body allocated up front.
	frameInitialBuffer = 64 << 10

	// MaxFrameSize is the largest frame body accepted from the wire.
	MaxFrameSize = 1 << 30

	// RejectMessage is the error sent to a connection refused by admission
	// control, immediately before the server closes it.
	RejectMessage = "ERR max connections reached"
)

// ErrProtocol wraps every malformed-message failure: unknown commands, wrong
// arity and undecodable frames or arguments.
var ErrProtocol = errors.New("protocol error")

// CommandType identifies the operation a Command requests.
type CommandType uint8

// Command type constants. The numeric values are part of the wire format.
const (
	CmdPing    CommandType = iota // PING - connectivity test
	CmdSet                        // SET key value - store an encoded Value
	CmdGet                        // GET key - fetch a Value
	CmdDel                        // DEL key - delete a key
	CmdExists                     // EXISTS key - check for a key
	CmdKeys                       // KEYS [pattern] - list matching keys
	CmdDBSize                     // DBSIZE - count keys
	CmdFlushDB                    // FLUSHDB - delete every key
	CmdInfo                       // INFO - engine and server statistics
	CmdSave                       // SAVE - flush dirty entries to disk now
)

type commandSpec struct {
	name     string
	min, max int
}

var commandSpecs = map[CommandType]commandSpec{
	CmdPing:    {"PING", 0, 0},
	CmdSet:     {"SET", 2, 2},
	CmdGet:     {"GET", 1, 1},
	CmdDel:     {"DEL", 1, 1},
	CmdExists:  {"EXISTS", 1, 1},
	CmdKeys:    {"KEYS", 0, 1},
	CmdDBSize:  {"DBSIZE", 0, 0},
	CmdFlushDB: {"FLUSHDB", 0, 0},
	CmdInfo:    {"INFO", 0, 0},
	CmdSave:    {"SAVE", 0, 0},
}

// String returns the command name, e.g. "SET".
func (t CommandType) String() string {
	if s, ok := commandSpecs[t]; ok {
		return s.name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

// Known reports whether t is a recognized command.
func (t CommandType) Known() bool {
	_, ok := commandSpecs[t]
	return ok
}

// Arity returns the minimum and maximum argument counts for t.
func (t CommandType) Arity() (lo, hi int) {
	s := commandSpecs[t]
	return s.min, s.max
}

// LookupCommand resolves a case-insensitive command name.
func LookupCommand(name string) (CommandType, bool) {
	name = strings.ToUpper(name)
	for t, s := range commandSpecs {
		if s.name == name {
			return t, true
		}
	}
	return 0, false
}

// ResponseType identifies the payload carried by a Response.
type ResponseType uint8

// Response type constants. The numeric values are part of the wire format.
const (
	RespOK     ResponseType = iota // Simple OK response
	RespError                      // Error message response
	RespString                     // String data response
	RespInt                        // Integer data response
	RespArray                      // Array of strings response
	RespNil                        // Absent value
	RespValue                      // Encoded value.Value response
)

var responseNames = [...]string{"OK", "ERROR", "STRING", "INT", "ARRAY", "NIL", "VALUE"}

func (t ResponseType) String() string {
	if int(t) < len(responseNames) {
		return responseNames[t]
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

// Command is a client request. Args holds the raw arguments in order; for SET
// the second argument is an encoded value.Value.
type Command struct {
	Args [][]byte
	Type CommandType
}

// NewCommand builds a command from string arguments. A value.Value argument
// is encoded in place, so NewCommand(CmdSet, key, v) produces a well-formed
// SET.
func NewCommand(t CommandType, args ...interface{}) *Command {
	cmd := &Command{Type: t, Args: make([][]byte, 0, len(args))}
	for _, a := range args {
		switch a := a.(type) {
		case string:
			cmd.Args = append(cmd.Args, []byte(a))
		case []byte:
			cmd.Args = append(cmd.Args, a)
		case value.Value:
			cmd.Args = append(cmd.Args, a.Encode())
		default:
			cmd.Args = append(cmd.Args, []byte(fmt.Sprint(a)))
		}
	}
	return cmd
}

// Arg returns argument i as a string, or "" if it is missing.
func (c *Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return string(c.Args[i])
}

// Response is the server's reply to a Command. The Type determines how Data
// is interpreted:
//   - RespString: string
//   - RespInt: int64
//   - RespArray: []string
//   - RespValue: value.Value
//
// Example:
//
//	resp := protocol.IntResponse(1)
type Response struct {
	Data  interface{}  // The response payload
	Error string       // Error message if Type is RespError
	Type  ResponseType // The type of response data
}

// OKResponse returns a RespOK response.
func OKResponse() *Response { return &Response{Type: RespOK} }

// NilResponse returns a RespNil response.
func NilResponse() *Response { return &Response{Type: RespNil} }

// ErrorResponse returns a RespError response carrying msg.
func ErrorResponse(msg string) *Response { return &Response{Type: RespError, Error: msg} }

// StringResponse returns a RespString response.
func StringResponse(s string) *Response { return &Response{Type: RespString, Data: s} }

// IntResponse returns a RespInt response.
func IntResponse(n int64) *Response { return &Response{Type: RespInt, Data: n} }

// ArrayResponse returns a RespArray response.
func ArrayResponse(items []string) *Response { return &Response{Type: RespArray, Data: items} }

// ValueResponse returns a RespValue response.
func ValueResponse(v value.Value) *Response { return &Response{Type: RespValue, Data: v} }

// Serialize converts a Command into its binary frame body:
//   - 1 byte: command type
//   - uvarint: argument count
//   - per argument: uvarint length + bytes
func (c *Command) Serialize() []byte {
	size := 1 + binary.MaxVarintLen64
	for _, a := range c.Args {
		size += binary.MaxVarintLen64 + len(a)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, byte(c.Type))
	buf = binary.AppendUvarint(buf, uint64(len(c.Args)))
	for _, a := range c.Args {
		buf = appendBytes(buf, a)
	}
	return buf
}

// DeserializeCommand reconstructs a Command from a frame body. The command
// type is not validated here; an unknown type decodes successfully so the
// caller can report it by name.
//
// Parameters:
//   - data: Frame body produced by Command.Serialize
//
// Returns:
//   - Reconstructed Command object
//   - Error wrapping ErrProtocol if the body is malformed
func DeserializeCommand(data []byte) (*Command, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrProtocol)
	}
	cmd := &Command{Type: CommandType(data[0])}

	args, rest, err := readByteSlices(data[1:], "arg")
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after command", ErrProtocol, len(rest))
	}
	cmd.Args = args
	return cmd, nil
}

// Serialize converts a Response into its binary frame body:
//   - RespOK/RespNil: just the type byte
//   - RespError/RespString: type + uvarint length + bytes
//   - RespInt: type + zigzag varint
//   - RespArray: type + uvarint count + (uvarint length + bytes) per item
//   - RespValue: type + encoded value
//
// Returns an error if Data does not match Type.
func (r *Response) Serialize() ([]byte, error) {
	buf := []byte{byte(r.Type)}

	switch r.Type {
	case RespOK, RespNil:
	case RespError:
		buf = appendBytes(buf, []byte(r.Error))
	case RespString:
		s, ok := r.Data.(string)
		if !ok {
			return nil, fmt.Errorf("string response carries %T", r.Data)
		}
		buf = appendBytes(buf, []byte(s))
	case RespInt:
		n, ok := r.Data.(int64)
		if !ok {
			return nil, fmt.Errorf("integer response carries %T", r.Data)
		}
		buf = binary.AppendVarint(buf, n)
	case RespArray:
		items, ok := r.Data.([]string)
		if !ok {
			return nil, fmt.Errorf("array response carries %T", r.Data)
		}
		buf = binary.AppendUvarint(buf, uint64(len(items)))
		for _, item := range items {
			buf = appendBytes(buf, []byte(item))
		}
	case RespValue:
		v, ok := r.Data.(value.Value)
		if !ok {
			return nil, fmt.Errorf("value response carries %T", r.Data)
		}
		buf = v.AppendEncode(buf)
	default:
		return nil, fmt.Errorf("unknown response type %d", r.Type)
	}
	return buf, nil
}

// DeserializeResponse reconstructs a Response from a frame body.
func DeserializeResponse(data []byte) (*Response, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrProtocol)
	}
	resp := &Response{Type: ResponseType(data[0])}
	body := data[1:]

	var rest []byte
	switch resp.Type {
	case RespOK, RespNil:
		rest = body
	case RespError, RespString:
		b, r, err := readBytes(body, "string")
		if err != nil {
			return nil, err
		}
		if resp.Type == RespError {
			resp.Error = string(b)
		} else {
			resp.Data = string(b)
		}
		rest = r
	case RespInt:
		n, k := binary.Varint(body)
		if k <= 0 {
			return nil, fmt.Errorf("%w: invalid integer", ErrProtocol)
		}
		resp.Data = n
		rest = body[k:]
	case RespArray:
		items, r, err := readByteSlices(body, "item")
		if err != nil {
			return nil, err
		}
		strs := make([]string, len(items))
		for i, item := range items {
			strs[i] = string(item)
		}
		resp.Data = strs
		rest = r
	case RespValue:
		v, err := value.Decode(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		resp.Data = v
	default:
		return nil, fmt.Errorf("%w: unknown response type %d", ErrProtocol, resp.Type)
	}

	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after response", ErrProtocol, len(rest))
	}
	return resp, nil
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func readBytes(data []byte, field string) ([]byte, []byte, error) {
	n, k := binary.Uvarint(data)
	if k <= 0 {
		return nil, nil, fmt.Errorf("%w: invalid %s length", ErrProtocol, field)
	}
	data = data[k:]
	if n > uint64(len(data)) {
		return nil, nil, fmt.Errorf("%w: %s data truncated", ErrProtocol, field)
	}
	return data[:n], data[n:], nil
}

func readByteSlices(data []byte, field string) ([][]byte, []byte, error) {
	count, k := binary.Uvarint(data)
	if k <= 0 {
		return nil, nil, fmt.Errorf("%w: invalid %s count", ErrProtocol, field)
	}
	data = data[k:]
	// Every element needs at least its length byte.
	if count > uint64(len(data)) {
		return nil, nil, fmt.Errorf("%w: %s count %d exceeds frame", ErrProtocol, field, count)
	}

	out := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		var (
			b   []byte
			err error
		)
		b, data, err = readBytes(data, field)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, b)
	}
	return out, data, nil
}

// WriteFrame writes body prefixed with its 4-byte big-endian length.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}
	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	frame = append(frame, body...)
	_, err := w.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed frame body. Any error leaves the stream
// in an unknown position; the connection should be closed.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame too large: %d bytes", ErrProtocol, length)
	}
	if length <= frameInitialBuffer {
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
		return body, nil
	}

	// Large frames grow with the data actually received, so a declared
	// length alone never reserves memory.
	var buf bytes.Buffer
	buf.Grow(frameInitialBuffer)
	if _, err := io.CopyN(&buf, r, int64(length)); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteCommand writes a framed Command to w.
//
// Example:
//
//	cmd := protocol.NewCommand(protocol.CmdGet, "mykey")
//	err := protocol.WriteCommand(conn, cmd)
func WriteCommand(w io.Writer, cmd *Command) error {
	return WriteFrame(w, cmd.Serialize())
}

// ReadCommand reads and decodes one framed Command from r.
func ReadCommand(r io.Reader) (*Command, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return DeserializeCommand(body)
}

// WriteResponse writes a framed Response to w.
//
// Example:
//
//	err := protocol.WriteResponse(conn, protocol.StringResponse("PONG"))
func WriteResponse(w io.Writer, resp *Response) error {
	data, err := resp.Serialize()
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

// ReadResponse reads and decodes one framed Response from r.
func ReadResponse(r io.Reader) (*Response, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return DeserializeResponse(body)
}
