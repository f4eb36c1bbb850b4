package alarmlink

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownCommand = errors.New("unknown command")

type Command string

const (
	CmdArm           Command = "ARM"
	CmdDisarm        Command = "DISARM"
	CmdStatus        Command = "STATUS"
	CmdStreamOn      Command = "STREAM_ON"
	CmdStreamOff     Command = "STREAM_OFF"
	CmdStreamPreview Command = "STREAM_PREVIEW"
)

var commands = []Command{
	CmdArm, CmdDisarm, CmdStatus, CmdStreamOn, CmdStreamOff, CmdStreamPreview,
}

func ParseCommand(s string) (Command, error) {
	c := Command(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range commands {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, s)
}

// IsCamera reports whether the command targets the camera board.
func (c Command) IsCamera() bool {
	return strings.HasPrefix(string(c), "STREAM")
}
