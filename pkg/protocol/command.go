package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/turtacn/Cohort/pkg/errors"
)

// ForkCommand is one line on the master -> origin worker fork pipe.
// Positive values ask the origin to spawn the worker with that index.
type ForkCommand int

const (
	StopServer    ForkCommand = -1
	RestartServer ForkCommand = 0
)

// SpawnChild returns the command spawning worker idx. idx must be positive.
func SpawnChild(idx int) ForkCommand {
	return ForkCommand(idx)
}

func (c ForkCommand) IsSpawn() bool { return c > 0 }

// Index is the worker index of a spawn command.
func (c ForkCommand) Index() int { return int(c) }

// Encode renders the command as a newline terminated line.
func (c ForkCommand) Encode() []byte {
	return append(strconv.AppendInt(nil, int64(c), 10), '\n')
}

func (c ForkCommand) String() string {
	switch {
	case c == StopServer:
		return "stop-server"
	case c == RestartServer:
		return "restart-server"
	case c.IsSpawn():
		return fmt.Sprintf("spawn-child(%d)", int(c))
	default:
		return fmt.Sprintf("invalid(%d)", int(c))
	}
}

// ParseForkCommand decodes a single line. Values below -1 and non-numeric
// lines are rejected rather than coerced.
func ParseForkCommand(line string) (ForkCommand, error) {
	v, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, errors.New(errors.ErrCodeProtocol, "ParseForkCommand", fmt.Sprintf("not an integer: %q", line), err)
	}
	if v < int(StopServer) {
		return 0, errors.New(errors.ErrCodeProtocol, "ParseForkCommand", fmt.Sprintf("unknown command %d", v), nil)
	}
	return ForkCommand(v), nil
}

// Personal.AI order the ending
