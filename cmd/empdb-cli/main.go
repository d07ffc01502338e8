package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/empdb/empdb/internal/engine"
	"github.com/empdb/empdb/internal/recfile"
)

var (
	version string
	commit  string
	date    string
	builtBy string
)

// Options drives the offline batch mode: the same database file the server
// owns, manipulated without starting the server.
type Options struct {
	Verbose []bool   `short:"v" long:"verbose" description:"Show verbose debug information"`
	File    string   `short:"f" long:"file" description:"Employee database file" required:"true"`
	Create  bool     `short:"n" long:"new" description:"Create the database file"`
	Add     []string `short:"a" long:"add" description:"Append a record, formatted name-address-hours (repeatable)"`
	List    bool     `short:"l" long:"list" description:"Print every record in insertion order"`
	Remove  bool     `short:"r" long:"remove" description:"Remove the most recently added record"`
}

var options Options
var parser = flags.NewParser(&options, flags.Default)

func main() {
	os.Exit(run())
}

func run() int {
	logger := logrus.New()
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return 0
		}
		logger.Errorln(err)
		return 1
	}
	if len(options.Verbose) > 0 {
		logger.SetLevel(logrus.DebugLevel)
	}

	var (
		dbFile *os.File
		hdr    recfile.Header
		err    error
	)
	if options.Create {
		dbFile, hdr, err = recfile.Create(options.File)
	} else {
		dbFile, hdr, err = recfile.Open(options.File)
	}
	if err != nil {
		logger.Errorln("Failed to open database file:", err)
		return 1
	}
	defer dbFile.Close()

	records, err := recfile.LoadAll(dbFile, int(hdr.Count))
	if err != nil {
		logger.Errorln("Failed to load records:", err)
		return 1
	}
	eng := engine.New(records)

	mutated := options.Create
	for _, addstr := range options.Add {
		if _, err := eng.Add(addstr); err != nil {
			logger.Errorln("Failed to add record:", err)
			return 1
		}
		mutated = true
	}

	if options.Remove {
		if _, err := eng.RemoveLast(); err != nil {
			logger.Errorln("Failed to remove record:", err)
			return 1
		}
		mutated = true
	}

	if options.List {
		for _, rec := range eng.Records() {
			fmt.Printf("%s, %s, %d\n", rec.NameString(), rec.AddressString(), rec.Hours)
		}
	}

	if mutated {
		if _, err := recfile.SaveAll(dbFile, eng.Records()); err != nil {
			logger.Errorln("Failed to save database file:", err)
			return 1
		}
		logger.Debugln("Saved", eng.Len(), "records to", options.File)
	}
	return 0
}
