// logdump is a utility for inspecting an on-disk mutation log directory: it
// can replay every mutation a log holds, in log order, or run a garbage
// collection pass against a caller-supplied durable-decree map, without
// starting a full replica.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/lishenglong/rDSN/config"
	"github.com/lishenglong/rDSN/gpid"
	"github.com/lishenglong/rDSN/messages"
	"github.com/lishenglong/rDSN/mutationlog"
)

var (
	app      = kingpin.New("logdump", "Utility for inspecting a mutation log directory.")
	dir      = app.Flag("dir", "The mutation log directory to open.").Required().ExistingDir()
	logLevel = app.Flag("logLevel", "Logging level.").Default("info").Enum("debug", "info", "warn", "error")

	replayCmd    = app.Command("replay", "Print every mutation recovered from the log, in log order.")
	replayGPID   = replayCmd.Flag("gpid", "Restrict output to one partition, formatted app_id.partition_index.").String()
	replayHexBody = replayCmd.Flag("hexBody", "Print each mutation's body as hex instead of its length.").Default("false").Bool()

	gcCmd     = app.Command("gc", "Run a garbage collection pass and report how many segments it removed.")
	gcDurable = gcCmd.Flag("durable", "gpid=decree pair naming a partition's durable decree, may be repeated.").Strings()
)

func parseGPID(s string) (gpid.GPID, error) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return gpid.GPID{}, errors.Errorf("malformed gpid %q, want app_id.partition_index", s)
	}
	appID, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return gpid.GPID{}, errors.WithMessagef(err, "malformed app_id in gpid %q", s)
	}
	partIdx, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return gpid.GPID{}, errors.WithMessagef(err, "malformed partition_index in gpid %q", s)
	}
	return gpid.New(int32(appID), int32(partIdx)), nil
}

func parseDurableFlags(flags []string) (map[gpid.GPID]gpid.Decree, error) {
	out := make(map[gpid.GPID]gpid.Decree, len(flags))
	for _, f := range flags {
		parts := strings.SplitN(f, "=", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("malformed --durable value %q, want gpid=decree", f)
		}
		g, err := parseGPID(parts[0])
		if err != nil {
			return nil, err
		}
		decree, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, errors.WithMessagef(err, "malformed decree in --durable value %q", f)
		}
		out[g] = gpid.Decree(decree)
	}
	return out, nil
}

func runReplay(logDir string, filter *gpid.GPID, hexBody bool) error {
	opts := config.Default()
	log := mutationlog.New(logDir, opts)
	if err := log.Initialize(); err != nil {
		return errors.WithMessage(err, "could not open mutation log")
	}

	index := 0
	err := log.Replay(func(m *messages.Mutation) error {
		if filter != nil && m.GPID != *filter {
			return nil
		}
		index++
		if hexBody {
			fmt.Printf("% 6d gpid=%s decree=%d ballot=%d offset=%d body=%x\n",
				index, m.GPID.String(), uint64(m.Decree), m.Ballot, m.LogOffset, m.Body)
		} else {
			fmt.Printf("% 6d gpid=%s decree=%d ballot=%d offset=%d bodyBytes=%d\n",
				index, m.GPID.String(), uint64(m.Decree), m.Ballot, m.LogOffset, len(m.Body))
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay stopped: %s\n", err)
		if messages.CodeOf(err) == messages.InvalidData {
			return nil // a truncated tail is reported, not fatal, to this tool
		}
		return err
	}
	return nil
}

func runGC(logDir string, durable map[gpid.GPID]gpid.Decree) error {
	opts := config.Default()
	log := mutationlog.New(logDir, opts)
	if err := log.Initialize(); err != nil {
		return errors.WithMessage(err, "could not open mutation log")
	}

	removed := log.GarbageCollection(durable)
	fmt.Printf("removed %d segment(s)\n", removed)
	return nil
}

func main() {
	kingpin.Version("0.0.1")
	cmd, err := app.Parse(os.Args[1:])
	if err != nil {
		kingpin.Fatalf("failed to parse arguments, %s, try --help", err)
	}

	config.InitLogging(config.Options{LoggingLevel: *logLevel})

	switch cmd {
	case replayCmd.FullCommand():
		var filter *gpid.GPID
		if *replayGPID != "" {
			g, err := parseGPID(*replayGPID)
			if err != nil {
				kingpin.Fatalf("%s", err)
			}
			filter = &g
		}
		if err := runReplay(*dir, filter, *replayHexBody); err != nil {
			kingpin.Fatalf("%s", err)
		}
	case gcCmd.FullCommand():
		durable, err := parseDurableFlags(*gcDurable)
		if err != nil {
			kingpin.Fatalf("%s", err)
		}
		if err := runGC(*dir, durable); err != nil {
			kingpin.Fatalf("%s", err)
		}
	}
}
