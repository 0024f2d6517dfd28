package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/toothpaste/toothpaste/internal/log"
	"github.com/toothpaste/toothpaste/pkg/cli"
	"github.com/toothpaste/toothpaste/pkg/enrollment"
	"github.com/toothpaste/toothpaste/pkg/protocol"
)

var ErrAmbiguousName = errors.New("more than one transmitter has that name")

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

const usage = `Manage the transmitters enrolled on this receiver.

COMMANDs:
  list                     List enrolled transmitters, most recently seen first
  remove TRANSMITTER       Remove an enrollment; the transmitter must pair again
  rename TRANSMITTER NAME  Change the name a transmitter is listed under
  clear                    Remove every enrollment

TRANSMITTER is an enrolled name, a hex or base64 public key, or a file containing a public key.
Stop the receiver before making changes; it only reads enrollments at startup.`

func Usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [OPTION...] COMMAND [ARG...]\n\n", os.Args[0])
	fmt.Fprintln(out, usage)
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	flag.PrintDefaults()
}

// resolveIdentity finds the enrolled identity that arg refers to.
func resolveIdentity(store *enrollment.Store, arg string) ([]byte, error) {
	var matches [][]byte
	for _, r := range store.List() {
		if r.Name == arg {
			matches = append(matches, r.Identity)
		}
	}
	switch len(matches) {
	case 0:
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: '%s'", ErrAmbiguousName, arg)
	}

	identity, err := protocol.ParsePublicKey(arg)
	if err != nil {
		if _, statErr := os.Stat(arg); statErr != nil {
			return nil, fmt.Errorf("'%s' is not an enrolled name or a public key", arg)
		}
		if identity, err = protocol.LoadPublicKey(arg); err != nil {
			return nil, err
		}
	}
	if _, ok := store.Lookup(identity); !ok {
		return nil, enrollment.ErrNotFound
	}
	return identity, nil
}

func list(w io.Writer, store *enrollment.Store) {
	records := store.List()
	fmt.Fprintf(w, "%d of %d slots used\n", len(records), store.Capacity())
	if len(records) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tLAST SEEN\tPUBLIC KEY")
	for _, r := range records {
		seen := "never"
		if !r.LastSeen.IsZero() {
			seen = r.LastSeen.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%02x\n", r.Name, seen, r.Identity)
	}
	tw.Flush()
}

func execute(w io.Writer, store *enrollment.Store, args []string) error {
	switch {
	case len(args) == 1 && args[0] == "list":
		list(w, store)
		return nil
	case len(args) == 1 && args[0] == "clear":
		for _, r := range store.List() {
			if err := store.Remove(r.Identity); err != nil {
				return err
			}
			fmt.Fprintf(w, "Removed %s\n", r.Name)
		}
		return nil
	case len(args) == 2 && args[0] == "remove":
		identity, err := resolveIdentity(store, args[1])
		if err != nil {
			return err
		}
		return store.Remove(identity)
	case len(args) >= 3 && args[0] == "rename":
		identity, err := resolveIdentity(store, args[1])
		if err != nil {
			return err
		}
		return store.Rename(identity, strings.Join(args[2:], " "))
	}
	return fmt.Errorf("invalid command: %s", strings.Join(args, " "))
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	var debug bool
	config, err := cli.NewConfig(cli.FlagKeyring)
	if err != nil {
		writeErr("Failed to load credential configuration: %s", err)
		return
	}
	flag.Usage = Usage
	flag.BoolVar(&debug, "debug", false, "Enable verbose debugging messages")
	config.RegisterCommandLineFlags()
	flag.Parse()
	if debug {
		log.SetLevel(log.LevelDebug)
	}
	config.ReadFromEnvironment()

	if flag.NArg() == 0 {
		Usage()
		return
	}

	store, err := config.OpenEnrollmentStore()
	if err != nil {
		writeErr("Error opening enrollments: %s", err)
		return
	}
	if err := execute(os.Stdout, store, flag.Args()); err != nil {
		writeErr("Error: %s", err)
		return
	}
	status = 0
}
