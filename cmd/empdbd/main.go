package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	empdb "github.com/empdb/empdb"
	"github.com/empdb/empdb/internal/engine"
	"github.com/empdb/empdb/internal/recfile"
	"github.com/empdb/empdb/internal/server"
)

var (
	version string
	commit  string
	date    string
	builtBy string
)

type Options struct {
	Verbose []bool `short:"v" long:"verbose" description:"Show verbose debug information"`
	Version bool   `short:"V" long:"version" description:"Print version information"`
	Config  string `short:"c" long:"config" description:"Configuration file to use"`
	DBFile  string `short:"f" long:"file" description:"Employee database file"`
	Port    int    `short:"p" long:"port" description:"TCP port to listen on"`
	Create  bool   `short:"n" long:"new" description:"Create a fresh database file"`
}

var options Options
var parser = flags.NewParser(&options, flags.Default)

func main() {
	os.Exit(run())
}

func run() int {
	empdb.EmpdbVersion = version
	empdb.EmpdbCommit = commit
	empdb.EmpdbDate = date
	empdb.EmpdbBuiltBy = builtBy

	logger := logrus.New()
	textFormatter := logrus.TextFormatter{}
	textFormatter.DisableLevelTruncation = true
	textFormatter.FullTimestamp = true
	logger.SetFormatter(&textFormatter)

	empdb.SetLogger(logger)

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return 0
		}
		logger.Errorln(err)
		return 1
	}

	if options.Version {
		logger.Infoln("empdbd", version, "commit:", commit, "built on:", date, "built by:", builtBy)
		return 0
	}

	// Flags override whatever the config file says.
	if options.DBFile != "" {
		viper.Set("db.path", options.DBFile)
	}
	if options.Port != 0 {
		viper.Set("listen.port", options.Port)
	}
	if options.Create {
		viper.Set("db.create", true)
	}

	// Load the configuration
	config := empdb.Config{}
	config.ReadConfigWithPath(options.Config)

	if len(options.Verbose) > 0 || config.Debug {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	logger.Infoln("Starting empdbd", version, "commit:", commit, "built on:", date, "built by:", builtBy)

	// Create or open the database file, then load every record.
	var (
		dbFile *os.File
		hdr    recfile.Header
		err    error
	)
	if config.CreateDB {
		dbFile, hdr, err = recfile.Create(config.DBPath)
	} else {
		dbFile, hdr, err = recfile.Open(config.DBPath)
	}
	if err != nil {
		logger.Errorln("Failed to initialize database file:", err)
		return 1
	}
	defer dbFile.Close()

	records, err := recfile.LoadAll(dbFile, int(hdr.Count))
	if err != nil {
		logger.Errorln("Failed to load records:", err)
		return 1
	}
	eng := engine.New(records)
	logger.Infoln("Loaded", eng.Len(), "records from", config.DBPath)

	// Start the audit pipeline when a sink is configured.
	var audit server.AuditFunc
	if config.AuditBus != "" {
		empdb.ConfigureMap()
		cq := empdb.NewAuditQueue()
		defer func() {
			if err := cq.Close(); err != nil {
				logger.Errorln("Failed to close audit queue:", err)
			}
		}()

		switch config.AuditBus {
		case "amqp":
			go empdb.StartAMQP(&config, cq)
		case "stomp":
			go empdb.StartStomp(&config, cq)
		case "file":
			go empdb.StartFileSink(&config, cq, logger)
		default:
			logger.Errorln("Unknown audit bus:", config.AuditBus)
			return 1
		}
		audit = func(op string, rec recfile.Record, count int, remote net.Addr) {
			cq.Enqueue(empdb.PackageEvent(op, rec, count, remote))
		}
	}

	// Start the metrics
	if config.Metrics {
		empdb.StartMetrics(config.MetricsPort)
	}
	if config.Profile {
		empdb.StartProfile(config.ProfilePort)
	}

	srv := server.New(server.Config{
		Addr:     net.JoinHostPort(config.ListenIP, strconv.Itoa(config.ListenPort)),
		MaxConns: config.MaxConns,
		Audit:    audit,
	}, eng)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exitCode := 0
	if err := srv.Serve(ctx); err != nil {
		logger.Errorln("Server failed:", err)
		exitCode = 1
	}

	// Persist the record list exactly once, after the loop has stopped.
	if _, err := recfile.SaveAll(dbFile, eng.Records()); err != nil {
		logger.Errorln("Failed to persist records:", err)
		return 1
	}
	logger.Infoln("Shutdown complete,", eng.Len(), "records saved to", config.DBPath)
	return exitCode
}
