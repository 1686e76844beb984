package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fdbkv/fdb/pkg/value"
)

// ParseTextCommand parses a Redis-style text command into a Command. This is
// what the command-line client uses to turn typed lines into wire commands.
//
// Everything after the key of a SET is the value. It is parsed as JSON when it
// is valid JSON and kept as a plain string otherwise, so both of these work:
//
//	SET user:1 {"name": "alice", "age": 30}
//	SET greeting hello world
//
// KEYS without a pattern matches every key.
//
// Parameters:
//   - line: Text command, whitespace separated, case-insensitive name
//
// Returns:
//   - Parsed Command object
//   - Error wrapping ErrProtocol if the command is unknown or has the wrong arity
func ParseTextCommand(line string) (*Command, error) {
	name, rest := cutField(line)
	if name == "" {
		return nil, fmt.Errorf("%w: empty command", ErrProtocol)
	}
	t, ok := LookupCommand(name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown command '%s'", ErrProtocol, name)
	}

	if t == CmdSet {
		key, raw := cutField(rest)
		if key == "" || raw == "" {
			return nil, fmt.Errorf("%w: SET requires a key and a value", ErrProtocol)
		}
		return NewCommand(CmdSet, key, parseTextValue(raw)), nil
	}

	args := strings.Fields(rest)
	if t == CmdKeys && len(args) == 0 {
		args = []string{"*"}
	}
	if lo, hi := t.Arity(); len(args) < lo || len(args) > hi {
		return nil, arityError(t, len(args))
	}

	cmd := &Command{Type: t, Args: make([][]byte, len(args))}
	for i, a := range args {
		cmd.Args[i] = []byte(a)
	}
	return cmd, nil
}

func parseTextValue(raw string) value.Value {
	if v, err := value.FromJSON([]byte(raw)); err == nil {
		return v
	}
	return value.String(raw)
}

// cutField splits off the first whitespace-delimited field of s and returns it
// with the remainder, trimmed.
func cutField(s string) (field, rest string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i], strings.TrimSpace(s[i:])
	}
	return s, ""
}

func arityError(t CommandType, got int) error {
	lo, hi := t.Arity()
	switch {
	case lo == hi:
		return fmt.Errorf("%w: %s requires exactly %d argument(s), got %d", ErrProtocol, t, lo, got)
	default:
		return fmt.Errorf("%w: %s requires %d to %d arguments, got %d", ErrProtocol, t, lo, hi, got)
	}
}

// CheckArity returns an ErrProtocol error if cmd has the wrong number of
// arguments for its type.
func CheckArity(cmd *Command) error {
	if lo, hi := cmd.Type.Arity(); len(cmd.Args) < lo || len(cmd.Args) > hi {
		return arityError(cmd.Type, len(cmd.Args))
	}
	return nil
}

// FormatResponse renders a Response for humans, in the style of redis-cli.
func FormatResponse(resp *Response) string {
	switch resp.Type {
	case RespOK:
		return "OK"
	case RespNil:
		return "(nil)"
	case RespError:
		return "(error) " + resp.Error
	case RespString:
		s, _ := resp.Data.(string)
		return s
	case RespInt:
		n, _ := resp.Data.(int64)
		return "(integer) " + strconv.FormatInt(n, 10)
	case RespArray:
		items, _ := resp.Data.([]string)
		if len(items) == 0 {
			return "(empty array)"
		}
		var sb strings.Builder
		for i, item := range items {
			if i > 0 {
				sb.WriteByte('\n')
			}
			fmt.Fprintf(&sb, "%d) %q", i+1, item)
		}
		return sb.String()
	case RespValue:
		v, _ := resp.Data.(value.Value)
		data, err := v.MarshalJSON()
		if err != nil {
			return v.String()
		}
		return string(data)
	default:
		return fmt.Sprintf("(unknown response type %d)", resp.Type)
	}
}
