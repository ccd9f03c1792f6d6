// Package detect turns inference results into actuator commands and voice
// announcements. The evaluators here hold the only mutable detection state
// in the process and are driven by a single goroutine.
package detect

import (
	"strings"

	"driver-hub/frame"
	"driver-hub/inference"
)

// Command is an actuator command, sent as the path of GET {base}/{command}.
type Command string

const (
	DrowsyOn    Command = "drowsy_on"
	DrowsyOff   Command = "drowsy_off"
	SignStop    Command = "sign_stop"
	SignSpeed30 Command = "sign_speed30"
	SignSpeed50 Command = "sign_speed50"
	SignSpeed80 Command = "sign_speed80"
)

// Commands lists every command the actuator understands.
var Commands = []Command{DrowsyOn, DrowsyOff, SignStop, SignSpeed30, SignSpeed50, SignSpeed80}

// Valid reports whether c is a known command.
func (c Command) Valid() bool {
	for _, known := range Commands {
		if c == known {
			return true
		}
	}
	return false
}

var labelCommands = []struct {
	substr string
	cmd    Command
}{
	{"stop", SignStop},
	{"30", SignSpeed30},
	{"50", SignSpeed50},
	{"80", SignSpeed80},
}

// CommandForLabel maps a detector label to a command by case-insensitive
// substring, first match wins in the order stop, 30, 50, 80.
func CommandForLabel(label string) (Command, bool) {
	l := strings.ToLower(label)
	for _, lc := range labelCommands {
		if strings.Contains(l, lc.substr) {
			return lc.cmd, true
		}
	}
	return "", false
}

// Commander sends commands without waiting for the result.
type Commander interface {
	Dispatch(cmd Command)
}

// Announcer speaks text without waiting for playback.
type Announcer interface {
	Announce(text string)
}

// Snapshot is what an evaluator saw when it acted, for debug output.
type Snapshot struct {
	Source     string
	Frame      *frame.Frame
	Banner     string
	Detections []inference.Detection
}

// SnapshotFunc receives snapshots. It runs on the evaluator goroutine and
// must hand heavy work off.
type SnapshotFunc func(Snapshot)
