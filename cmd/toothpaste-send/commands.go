package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/toothpaste/toothpaste/internal/authentication"
	"github.com/toothpaste/toothpaste/pkg/cli"
	"github.com/toothpaste/toothpaste/pkg/protocol"
	"github.com/toothpaste/toothpaste/pkg/transmitter"
)

var (
	ErrCommandLineArgs = errors.New("invalid command line arguments")
	ErrUnknownCommand  = errors.New("unrecognized command")
	ErrInvalidKeycode  = errors.New("invalid keycode")

	keyNames = map[string]byte{
		"ENTER":     0x28,
		"ESC":       0x29,
		"BACKSPACE": 0x2a,
		"TAB":       0x2b,
		"SPACE":     0x2c,
		"RIGHT":     0x4f,
		"LEFT":      0x50,
		"DOWN":      0x51,
		"UP":        0x52,
		"CTRL":      0xe0,
		"SHIFT":     0xe1,
		"ALT":       0xe2,
		"GUI":       0xe3,
	}
)

type Argument struct {
	name string
	help string
}

// session is what a command operates on.
type session struct {
	tx     *transmitter.Transmitter
	config *cli.Config
}

type Handler func(ctx context.Context, s *session, args map[string]string) error

type Command struct {
	help     string
	args     []Argument
	optional []Argument
	rest     bool // The last argument absorbs any remaining words.
	handler  Handler
}

// ParseKeycodes converts a '+' or ',' separated list of key names, single lowercase letters, or
// HID usage IDs (hex, with or without a 0x prefix) into a keycode report.
func ParseKeycodes(s string) ([]byte, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == '+' || r == ',' })
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no keys", ErrInvalidKeycode)
	}
	if len(fields) > protocol.MaxKeycodes {
		return nil, fmt.Errorf("%w: at most %d keys may be pressed at once", ErrInvalidKeycode, protocol.MaxKeycodes)
	}
	codes := make([]byte, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if code, ok := keyNames[strings.ToUpper(f)]; ok {
			codes = append(codes, code)
			continue
		}
		if len(f) == 1 && f[0] >= 'a' && f[0] <= 'z' {
			codes = append(codes, 0x04+f[0]-'a')
			continue
		}
		v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(f), "0x"), 16, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: '%s'", ErrInvalidKeycode, f)
		}
		codes = append(codes, byte(v))
	}
	return codes, nil
}

// ParseMouse builds a single-frame mouse report. Buttons is a comma separated subset of
// "left,right" (or "none").
func ParseMouse(dx, dy, buttons, wheel string) (protocol.MouseReport, error) {
	var report protocol.MouseReport
	x, err := strconv.ParseInt(dx, 10, 32)
	if err != nil {
		return report, fmt.Errorf("invalid x offset: %s", dx)
	}
	y, err := strconv.ParseInt(dy, 10, 32)
	if err != nil {
		return report, fmt.Errorf("invalid y offset: %s", dy)
	}
	report.Frames = []protocol.MouseFrame{{X: int32(x), Y: int32(y)}}
	if buttons != "" && buttons != "none" {
		for _, b := range strings.Split(buttons, ",") {
			switch strings.ToLower(strings.TrimSpace(b)) {
			case "left":
				report.LeftClick = 1
			case "right":
				report.RightClick = 1
			default:
				return report, fmt.Errorf("unknown mouse button: %s", b)
			}
		}
	}
	if wheel != "" {
		w, err := strconv.ParseInt(wheel, 10, 32)
		if err != nil {
			return report, fmt.Errorf("invalid wheel offset: %s", wheel)
		}
		report.Wheel = int32(w)
	}
	return report, nil
}

// parseArgs maps args (excluding the command name) onto c's argument names.
func (c *Command) parseArgs(args []string) (map[string]string, error) {
	n := len(args)
	if n < len(c.args) || (!c.rest && n > len(c.args)+len(c.optional)) {
		return nil, fmt.Errorf("%w: %d given (%d required, %d optional)", ErrCommandLineArgs, n, len(c.args), len(c.optional))
	}
	keywords := make(map[string]string)
	for i, argInfo := range c.args {
		keywords[argInfo.name] = args[i]
	}
	index := len(c.args)
	for _, argInfo := range c.optional {
		if index >= n {
			break
		}
		keywords[argInfo.name] = args[index]
		index++
	}
	if c.rest && n > 0 {
		last := c.args[len(c.args)-1].name
		keywords[last] = strings.Join(args[len(c.args)-1:], " ")
	}
	return keywords, nil
}

func execute(ctx context.Context, s *session, args []string) error {
	if len(args) == 0 {
		return errors.New("missing COMMAND")
	}
	info, ok := commands[args[0]]
	if !ok {
		return ErrUnknownCommand
	}
	keywords, err := info.parseArgs(args[1:])
	if err == nil {
		err = info.handler(ctx, s, keywords)
	}
	if errors.Is(err, ErrCommandLineArgs) {
		info.Usage(args[0])
	}
	return err
}

func (c *Command) Usage(name string) {
	fmt.Printf("Usage: %s", name)
	maxLength := 0
	for _, arg := range c.args {
		fmt.Printf(" %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Printf(" [")
	}
	for _, arg := range c.optional {
		fmt.Printf(" %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Printf(" ]")
	}
	fmt.Printf("\n%s\n", c.help)
	maxLength++
	for _, arg := range c.args {
		fmt.Printf("    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
	for _, arg := range c.optional {
		fmt.Printf("    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
}

var commands = map[string]*Command{
	"type": &Command{
		help: "Type text on the receiver",
		args: []Argument{
			Argument{name: "TEXT", help: "Text to type. Remaining words are joined with spaces."},
		},
		rest: true,
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			return s.tx.TypeString(ctx, args["TEXT"])
		},
	},
	"line": &Command{
		help: "Type text followed by Enter",
		args: []Argument{
			Argument{name: "TEXT", help: "Text to type. Remaining words are joined with spaces."},
		},
		rest: true,
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			return s.tx.TypeString(ctx, args["TEXT"]+"\n")
		},
	},
	"keys": &Command{
		help: "Press a key combination",
		args: []Argument{
			Argument{name: "KEYS", help: "Keys joined with '+', e.g. ctrl+alt+0x4c or gui+l"},
		},
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			codes, err := ParseKeycodes(args["KEYS"])
			if err != nil {
				return err
			}
			return s.tx.PressKeys(ctx, codes...)
		},
	},
	"mouse": &Command{
		help: "Move the mouse pointer and set button state",
		args: []Argument{
			Argument{name: "DX", help: "Horizontal offset"},
			Argument{name: "DY", help: "Vertical offset"},
		},
		optional: []Argument{
			Argument{name: "BUTTONS", help: "left, right, left,right or none"},
			Argument{name: "WHEEL", help: "Scroll wheel offset"},
		},
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			report, err := ParseMouse(args["DX"], args["DY"], args["BUTTONS"], args["WHEEL"])
			if err != nil {
				return err
			}
			return s.tx.Mouse(ctx, report)
		},
	},
	"rename": &Command{
		help: "Set the name the receiver lists this transmitter under",
		args: []Argument{
			Argument{name: "NAME", help: "New name"},
		},
		rest: true,
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			return s.tx.Rename(ctx, args["NAME"])
		},
	},
	"slow": &Command{
		help: "Ask the receiver to type slowly (for hosts that drop fast keystrokes)",
		args: []Argument{
			Argument{name: "MODE", help: "on or off"},
		},
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			switch strings.ToLower(args["MODE"]) {
			case "on", "true", "1":
				s.tx.SetSlowMode(true)
			case "off", "false", "0":
				s.tx.SetSlowMode(false)
			default:
				return fmt.Errorf("%w: MODE must be on or off", ErrCommandLineArgs)
			}
			return nil
		},
	},
	"identity": &Command{
		help: "Print this transmitter's public key",
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			identity := s.tx.Credentials().Identity()
			fmt.Printf("%02x\n%s\n", identity, authentication.EncodePublicKey(identity))
			return nil
		},
	},
	"forget": &Command{
		help: "Delete this transmitter's credentials for the receiver from the keyring",
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			return s.config.DeleteCredentials()
		},
	},
	"export-key": &Command{
		help: "Write this transmitter's identity key to a PEM file",
		args: []Argument{
			Argument{name: "FILE", help: "Output file"},
		},
		handler: func(ctx context.Context, s *session, args map[string]string) error {
			return protocol.SavePrivateKey(s.tx.Credentials().Key, args["FILE"])
		},
	},
}
