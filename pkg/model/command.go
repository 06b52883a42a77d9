package model

import (
	"fmt"

	"github.com/viant/bintly"
)

// CommandOp identifies the kind of a Command
type CommandOp int16

const (
	OpSet    CommandOp = 1
	OpRemove CommandOp = 2
)

func (op CommandOp) String() string {
	switch op {
	case OpSet:
		return "set"
	case OpRemove:
		return "remove"
	default:
		return fmt.Sprintf("CommandOp(%d)", int16(op))
	}
}

// Command is the record the key-value store writes to its log: either a Set
// of a value or a Remove tombstone.
type Command struct {
	Op    CommandOp
	Key   string
	Value string
}

// SetCommand returns a command that sets key to value
func SetCommand(key, value string) Command {
	return Command{Op: OpSet, Key: key, Value: value}
}

// RemoveCommand returns a tombstone for key
func RemoveCommand(key string) Command {
	return Command{Op: OpRemove, Key: key}
}

// IsTombstone reports whether the command removes its key
func (c Command) IsTombstone() bool {
	return c.Op == OpRemove
}

// RecordKey returns the key the command applies to
func (c Command) RecordKey() string {
	return c.Key
}

var (
	writers = bintly.NewWriters()
	readers = bintly.NewReaders()
)

// EncodeBinary writes the command to a bintly stream
func (c *Command) EncodeBinary(stream *bintly.Writer) error {
	stream.Int16(int16(c.Op))
	stream.String(c.Key)
	if c.Op == OpSet {
		stream.String(c.Value)
	}
	return nil
}

// DecodeBinary reads the command from a bintly stream
func (c *Command) DecodeBinary(stream *bintly.Reader) error {
	var op int16
	stream.Int16(&op)
	c.Op = CommandOp(op)
	stream.String(&c.Key)
	switch c.Op {
	case OpSet:
		stream.String(&c.Value)
	case OpRemove:
		c.Value = ""
	default:
		return ErrInvalidCommand{Reason: fmt.Sprintf("unknown op %d", op)}
	}
	return nil
}

// EncodeRecord serializes the command
func (c Command) EncodeRecord() ([]byte, error) {
	w := writers.Get()
	defer writers.Put(w)

	if err := c.EncodeBinary(w); err != nil {
		return nil, err
	}
	bs := w.Bytes()
	out := make([]byte, len(bs))
	copy(out, bs)
	return out, nil
}

// DecodeCommand parses a command produced by EncodeRecord
func DecodeCommand(data []byte) (cmd Command, err error) {
	if len(data) == 0 {
		return Command{}, ErrInvalidCommand{Reason: "empty record"}
	}

	r := readers.Get()
	defer readers.Put(r)

	// bintly reads past the end of malformed input by panicking
	defer func() {
		if p := recover(); p != nil {
			cmd, err = Command{}, ErrInvalidCommand{Reason: fmt.Sprint(p)}
		}
	}()

	if err := r.FromBytes(data); err != nil {
		return Command{}, ErrInvalidCommand{Reason: err.Error()}
	}
	if err := cmd.DecodeBinary(r); err != nil {
		return Command{}, err
	}
	return cmd, nil
}
