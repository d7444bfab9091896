package core

import (
	"fmt"
	"strconv"
)

const (
	CommandStart     = "start"
	CommandStop      = "stop"
	CommandSetTarget = "setTarget"
	CommandReset     = "reset"
)

// Command is an external mutation request. Speeds travel as decimal strings
// in Arguments so the same shape works for every transport.
type Command struct {
	Name      string   `json:"name"`
	Arguments []string `json:"args,omitempty"`
}

func StartCommand() Command {
	return Command{Name: CommandStart}
}

func StartAtCommand(speed float64) Command {
	return Command{Name: CommandStart, Arguments: []string{formatSpeed(speed)}}
}

func StopCommand() Command {
	return Command{Name: CommandStop}
}

func SetTargetCommand(speed float64) Command {
	return Command{Name: CommandSetTarget, Arguments: []string{formatSpeed(speed)}}
}

func ResetCommand() Command {
	return Command{Name: CommandReset}
}

func formatSpeed(speed float64) string {
	return strconv.FormatFloat(speed, 'f', -1, 64)
}

// apply runs the command against state. Argument errors are reported before
// the state is touched.
func (c Command) apply(state *DeviceState) error {
	numArgs := len(c.Arguments)
	switch c.Name {
	case CommandStart:
		switch numArgs {
		case 0:
			return state.Start()
		case 1:
			speed, err := parseSpeed(c.Arguments[0])
			if err != nil {
				return err
			}
			return state.StartAt(speed)
		}
	case CommandStop:
		if numArgs == 0 {
			return state.Stop()
		}
	case CommandSetTarget:
		if numArgs == 1 {
			speed, err := parseSpeed(c.Arguments[0])
			if err != nil {
				return err
			}
			return state.SetTarget(speed)
		}
	case CommandReset:
		if numArgs == 0 {
			return state.Reset()
		}
	default:
		return fmt.Errorf("%w: unknown command %q", ErrInvalidArgument, c.Name)
	}
	return fmt.Errorf("%w: command %s does not take %d args", ErrInvalidArgument, c.Name, numArgs)
}

func parseSpeed(arg string) (float64, error) {
	speed, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: speed %q is not a number", ErrInvalidArgument, arg)
	}
	return speed, nil
}
