package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/turtacn/Cohort/pkg/errors"
)

// Tag is the first byte of every status pipe message.
type Tag byte

const (
	TagBooted     Tag = 'b' // b<pid>:<index>
	TagErrored    Tag = 'e' // e<pid>
	TagTerminated Tag = 't' // t<pid>
	TagStats      Tag = 'p' // p<pid><json object>
	TagForked     Tag = 'f' // f<pid>:<index>
)

func (t Tag) String() string {
	switch t {
	case TagBooted:
		return "booted"
	case TagErrored:
		return "errored"
	case TagTerminated:
		return "terminated"
	case TagStats:
		return "stats"
	case TagForked:
		return "forked"
	default:
		return fmt.Sprintf("unknown(%q)", byte(t))
	}
}

// StatusMessage is one line on the worker -> observer pipe.
type StatusMessage struct {
	Tag   Tag
	PID   int
	Index int             // Booted and Forked only
	Stats json.RawMessage // Stats only, embedded verbatim
}

func Booted(pid, index int) StatusMessage { return StatusMessage{Tag: TagBooted, PID: pid, Index: index} }
func Errored(pid int) StatusMessage       { return StatusMessage{Tag: TagErrored, PID: pid} }
func Terminated(pid int) StatusMessage    { return StatusMessage{Tag: TagTerminated, PID: pid} }
func Forked(pid, index int) StatusMessage { return StatusMessage{Tag: TagForked, PID: pid, Index: index} }
func Stats(pid int, payload []byte) StatusMessage {
	return StatusMessage{Tag: TagStats, PID: pid, Stats: payload}
}

// Encode renders the message as a single newline terminated line.
func (m StatusMessage) Encode() []byte {
	buf := make([]byte, 0, 24+len(m.Stats))
	buf = append(buf, byte(m.Tag))
	buf = strconv.AppendInt(buf, int64(m.PID), 10)
	switch m.Tag {
	case TagBooted, TagForked:
		buf = append(buf, ':')
		buf = strconv.AppendInt(buf, int64(m.Index), 10)
	case TagStats:
		buf = append(buf, m.Stats...)
	}
	return append(buf, '\n')
}

func (m StatusMessage) String() string {
	return strings.TrimSuffix(string(m.Encode()), "\n")
}

// ParseStatus decodes one line, with or without its trailing newline.
func ParseStatus(line string) (StatusMessage, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return StatusMessage{}, protocolError(line, "empty line", nil)
	}

	m := StatusMessage{Tag: Tag(line[0])}
	rest := line[1:]
	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits == 0 {
		return StatusMessage{}, protocolError(line, "missing pid", nil)
	}
	pid, err := strconv.Atoi(rest[:digits])
	if err != nil {
		return StatusMessage{}, protocolError(line, "bad pid", err)
	}
	m.PID = pid
	rest = rest[digits:]

	switch m.Tag {
	case TagErrored, TagTerminated:
		if rest != "" {
			return StatusMessage{}, protocolError(line, "trailing data", nil)
		}
	case TagBooted, TagForked:
		if !strings.HasPrefix(rest, ":") {
			return StatusMessage{}, protocolError(line, "missing index separator", nil)
		}
		idx, err := strconv.Atoi(rest[1:])
		if err != nil || idx < 0 {
			return StatusMessage{}, protocolError(line, "bad index", err)
		}
		m.Index = idx
	case TagStats:
		if !strings.HasPrefix(rest, "{") || !json.Valid([]byte(rest)) {
			return StatusMessage{}, protocolError(line, "stats payload is not a JSON object", nil)
		}
		m.Stats = json.RawMessage(rest)
	default:
		return StatusMessage{}, protocolError(line, "unknown tag", nil)
	}
	return m, nil
}

func protocolError(line, msg string, err error) error {
	return errors.New(errors.ErrCodeProtocol, "ParseStatus", fmt.Sprintf("%s: %q", msg, line), err)
}

// Decoder reads status messages from the observer side of the pipe. Lines
// split across reads are reassembled; a malformed line is reported and the
// decoder stays usable.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next message. It returns io.EOF once every writer has
// closed its end; an unterminated trailing fragment is dropped.
func (d *Decoder) Next() (StatusMessage, error) {
	line, err := d.r.ReadString('\n')
	if err != nil {
		if err == io.EOF {
			return StatusMessage{}, io.EOF
		}
		return StatusMessage{}, err
	}
	return ParseStatus(line)
}

// Personal.AI order the ending
