package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/shlex"
	"golang.org/x/term"

	"github.com/toothpaste/toothpaste/internal/log"
	"github.com/toothpaste/toothpaste/pkg/cli"
	"github.com/toothpaste/toothpaste/pkg/connector/ble"
	"github.com/toothpaste/toothpaste/pkg/protocol"
	"github.com/toothpaste/toothpaste/pkg/transmitter"
)

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

const usage = `
 * The first connection to a receiver pairs with it; the receiver must be in pairing mode.
 * Later connections resume the stored session.
 * Without a COMMAND, commands are read from standard input.`

func Usage() {
	fmt.Printf("Usage: %s [OPTION...] [COMMAND [ARG...]]\n", os.Args[0])
	fmt.Printf("\nRun %s help COMMAND for more information. Valid COMMANDs are listed below.", os.Args[0])
	fmt.Println("")
	fmt.Println(usage)
	fmt.Println("")

	fmt.Printf("Available OPTIONs:\n")
	flag.PrintDefaults()
	fmt.Println("")
	fmt.Printf("Available COMMANDs:\n")
	maxLength := 0
	var labels []string
	for command := range commands {
		labels = append(labels, command)
		if len(command) > maxLength {
			maxLength = len(command)
		}
	}
	sort.Strings(labels)
	for _, command := range labels {
		info := commands[command]
		fmt.Printf("  %s%s %s\n", command, strings.Repeat(" ", maxLength-len(command)), info.help)
	}
}

func runCommand(s *session, args []string, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := execute(ctx, s, args); err != nil {
		if protocol.MayHaveSucceeded(err) {
			writeErr("Couldn't verify success: %s", err)
		} else {
			writeErr("Failed to execute command: %s", err)
		}
		return 1
	}
	return 0
}

func runInteractiveShell(s *session, timeout time.Duration) int {
	prompt := func() {
		if term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Printf("> ")
		}
	}
	scanner := bufio.NewScanner(os.Stdin)
	for prompt(); scanner.Scan(); prompt() {
		args, err := shlex.Split(scanner.Text())
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return 0
		}
		if err != nil {
			writeErr("Invalid command: %s", err)
			continue
		}
		runCommand(s, args, timeout)
	}
	if err := scanner.Err(); err != nil {
		writeErr("Error reading command: %s", err)
		return 1
	}
	return 0
}

// loadCredentials returns the keyring credentials, or an identity loaded from keyFile. The stored
// shared secret is kept only if it belongs to that identity.
func loadCredentials(config *cli.Config, keyFile string) (*transmitter.Credentials, error) {
	creds, err := config.LoadCredentials()
	if err != nil {
		return nil, err
	}
	if keyFile == "" {
		return creds, nil
	}
	key, err := protocol.LoadPrivateKey(keyFile)
	if err != nil {
		return nil, fmt.Errorf("could not load %s: %w", keyFile, err)
	}
	if bytes.Equal(key.PublicBytes(), creds.Identity()) {
		creds.Key = key
		return creds, nil
	}
	log.Debug("Identity in %s differs from keyring; pairing from scratch", keyFile)
	return &transmitter.Credentials{Key: key}, nil
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	var (
		debug          bool
		slow           bool
		keyFile        string
		commandTimeout time.Duration
		connTimeout    time.Duration
	)
	config, err := cli.NewConfig(cli.FlagReceiver | cli.FlagTransport | cli.FlagKeyring)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load credential configuration: %s\n", err)
		os.Exit(1)
	}
	flag.Usage = Usage
	flag.BoolVar(&debug, "debug", false, "Enable verbose debugging messages")
	flag.BoolVar(&slow, "slow", false, "Ask the receiver to type slowly")
	flag.StringVar(&keyFile, "key-file", "", "Use the identity key in PEM `file` instead of the keyring's")
	flag.DurationVar(&commandTimeout, "command-timeout", 5*time.Second, "Set timeout for commands sent to the receiver.")
	flag.DurationVar(&connTimeout, "connect-timeout", 20*time.Second, "Set timeout for connecting and pairing.")

	config.RegisterCommandLineFlags()
	flag.Parse()
	if !debug {
		if debugEnv, ok := os.LookupEnv("TOOTHPASTE_VERBOSE"); ok {
			debug = debugEnv != "false" && debugEnv != "0"
		}
	}
	if debug {
		log.SetLevel(log.LevelDebug)
	}
	config.ReadFromEnvironment()

	args := flag.Args()
	if len(args) > 0 {
		if args[0] == "help" {
			if len(args) == 1 {
				Usage()
				status = 0
				return
			}
			info, ok := commands[args[1]]
			if !ok {
				writeErr("Unrecognized command: %s", args[1])
				return
			}
			info.Usage(args[1])
			status = 0
			return
		}
		if _, ok := commands[args[0]]; !ok {
			writeErr("Unrecognized command: %s", args[0])
			return
		}
	}

	creds, err := loadCredentials(config, keyFile)
	if err != nil {
		writeErr("Error loading credentials: %s", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), connTimeout)
	defer cancel()

	conn, err := config.Connect(ctx)
	if err != nil {
		writeErr("Error: %s", err)
		if ble.IsAdapterError(err) {
			writeErr("\n%s", ble.AdapterErrorHelpMessage(err))
		}
		return
	}

	tx := transmitter.New(conn, creds)
	defer tx.Close()
	tx.SetSlowMode(slow)

	log.Info("Authenticating with receiver...")
	if err := tx.Pair(ctx); err != nil {
		writeErr("Error: %s", err)
		if errors.Is(err, protocol.ErrUnknownSecret) {
			writeErr("Remove this transmitter with toothpaste-enroll on the receiver, or run with a different -key-file.")
		}
		return
	}
	if err := config.SaveCredentials(tx.Credentials()); err != nil {
		writeErr("Warning: failed to save credentials; the next run will need to pair again: %s", err)
	}

	s := &session{tx: tx, config: config}
	if flag.NArg() > 0 {
		status = runCommand(s, flag.Args(), commandTimeout)
	} else {
		status = runInteractiveShell(s, commandTimeout)
	}
}
