// Package protocol defines the messages servers and clients exchange and
// their wire framing.
package protocol

import (
	"fmt"
	"strings"
)

// Command identifies the kind of a request
type Command int32

const (
	CommandUnknown Command = iota
	CommandPing
	CommandShutdown
	CommandClusterState
	CommandCreateTable
	CommandAlterTable
	CommandDropTable
	CommandCreatePartition
	CommandDropPartition
	CommandGetBlob
	CommandSetBlob
	CommandCounterValue
	CommandUpdateCounter
	CommandReplicate
	CommandDigestSync
	CommandError
)

var commandNames = map[Command]string{
	CommandPing:            "PING",
	CommandShutdown:        "SHUTDOWN",
	CommandClusterState:    "CLUSTER_STATE",
	CommandCreateTable:     "CREATE_TABLE",
	CommandAlterTable:      "ALTER_TABLE",
	CommandDropTable:       "DROP_TABLE",
	CommandCreatePartition: "CREATE_PARTITION",
	CommandDropPartition:   "DROP_PARTITION",
	CommandGetBlob:         "GET_BLOB",
	CommandSetBlob:         "SET_BLOB",
	CommandCounterValue:    "COUNTER_VALUE",
	CommandUpdateCounter:   "UPDATE_COUNTER",
	CommandReplicate:       "REPLICATE",
	CommandDigestSync:      "DIGEST_SYNC",
	CommandError:           "ERROR",
}

// String returns the wire name of the command
func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(c))
}

// ParseCommand parses a command name
func ParseCommand(s string) (Command, error) {
	upper := strings.ToUpper(s)
	for c, name := range commandNames {
		if name == upper {
			return c, nil
		}
	}
	return CommandUnknown, fmt.Errorf("unknown command %q", s)
}

// Commands returns every command a server dispatches
func Commands() []Command {
	out := make([]Command, 0, len(commandNames))
	for c := CommandPing; c <= CommandError; c++ {
		out = append(out, c)
	}
	return out
}
