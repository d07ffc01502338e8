package main

import (
	"errors"
	"io"
	"math/big"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/jessevdk/go-flags"
	"github.com/pterm/pterm"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	empdb "github.com/empdb/empdb"
)

var (
	version string
	commit  string
	date    string
	builtBy string
)

var logger *logrus.Logger

type Options struct {
	Verbose []bool `short:"v" long:"verbose" description:"Show verbose debug information"`
	Version bool   `short:"V" long:"version" description:"Print version information"`
	Config  string `short:"c" long:"config" description:"Configuration file to use" default:"/etc/empdb/config.yaml"`
	Period  int    `short:"p" long:"period" description:"Period in seconds between the two status checks" default:"10"`
}

// EmpdbStats holds the metrics scraped from the prometheus endpoint.
type EmpdbStats struct {
	framesReceived  int64
	protocolErrors  int64
	recordCount     int64
	openConnections int64
	auditQueueSize  int64
}

var options Options
var parser = flags.NewParser(&options, flags.Default)

func main() {
	empdb.EmpdbVersion = version
	empdb.EmpdbCommit = commit
	empdb.EmpdbDate = date
	empdb.EmpdbBuiltBy = builtBy

	logger = logrus.New()
	empdb.SetLogger(logger)

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		} else {
			logger.Errorln(err)
			os.Exit(1)
		}
	}

	if options.Version {
		logger.Infoln("empdb-status", version, "commit:", commit, "built on:", date, "built by:", builtBy)
		os.Exit(0)
	}

	spinnerConfig, _ := pterm.DefaultSpinner.Start("Checking the empdb configuration")

	// Load the configuration
	config := empdb.Config{}
	config.ReadConfigWithPath(options.Config)

	if len(options.Verbose) > 0 {
		logger.SetLevel(logrus.DebugLevel)
		viper.Debug()
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}
	logger.Debugln("Using configuration file:", viper.ConfigFileUsed())
	spinnerConfig.Success()

	CheckToken(config)

	// Try to connect to the prometheus endpoint
	if !config.Metrics {
		pterm.Error.Println("Metrics are disabled in the configuration file")
		logger.Errorln("Metrics are disabled in the configuration file, unable to determine if empdbd is running")
	}
	// Try downloading the metrics page
	initialStats, err := CheckPrometheusEndpoint(config.MetricsPort)
	if err != nil {
		logger.Errorln("Unable to connect to the empdbd metrics endpoint, unable to determine if empdbd is running", err)
		os.Exit(1)
	}

	pterm.Success.Println("The server is tracking", strconv.FormatInt(initialStats.recordCount, 10),
		"records and", strconv.FormatInt(initialStats.openConnections, 10), "open connections")

	// Check the audit queue size
	if initialStats.auditQueueSize > 100 {
		pterm.Error.Println("The server has", strconv.FormatInt(initialStats.auditQueueSize, 10),
			"audit events in the queue, which indicates the bus publisher is not keeping up")
		os.Exit(1)
	} else {
		pterm.Success.Println("The audit queue is below the error threshold of 100 events")
	}

	// Wait for the next period
	spinnerPeriod, _ := pterm.DefaultSpinner.Start("Checking the server again after period of " + strconv.Itoa(options.Period) + " seconds")
	time.Sleep(time.Duration(options.Period) * time.Second)
	spinnerPeriod.Success()

	// Query the metrics endpoint again
	secondStats, err := CheckPrometheusEndpoint(config.MetricsPort)
	if err != nil {
		spinnerPeriod.Fail("Unable to connect to the empdbd metrics endpoint: ", err)
		os.Exit(1)
	}

	if secondStats.protocolErrors > initialStats.protocolErrors {
		pterm.Warning.Println("The server closed",
			strconv.FormatInt(secondStats.protocolErrors-initialStats.protocolErrors, 10),
			"connections for protocol violations since the last check")
	}

	// Check the number of frames received
	if secondStats.framesReceived == initialStats.framesReceived {
		pterm.Warning.Println("The server has not received any frames since the first check")
	} else {
		pterm.Success.Println("The server has handled",
			strconv.FormatInt(secondStats.framesReceived-initialStats.framesReceived, 10),
			"frames since the last check")
	}
}

// CheckToken reports on the audit bus token without requiring the signing
// key: claims are decoded unverified, which is enough to warn about expiry.
func CheckToken(config empdb.Config) {
	if config.AuditBus != "amqp" {
		pterm.Success.Println("The server is not publishing to RabbitMQ, skipping token check")
		return
	}
	spinnerToken, _ := pterm.DefaultSpinner.Start("Checking the audit bus token")
	if _, err := os.Stat(config.AmqpToken); errors.Is(err, os.ErrNotExist) {
		spinnerToken.Fail("Token file not found: ", err)
		return
	}

	tokenBytes, err := os.ReadFile(config.AmqpToken)
	if err != nil {
		spinnerToken.Fail("Unable to open and read the token file: ", err)
		return
	}
	tokenString := strings.TrimSpace(string(tokenBytes))

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		spinnerToken.Fail("Unable to parse the token: ", err)
		return
	}

	if err := claims.Valid(); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, jwt.ErrTokenNotValidYet) {
			spinnerToken.Fail("Token is expired or not active yet: ", err)
		} else {
			spinnerToken.Fail("Token claims are not valid: ", err)
		}
		return
	}

	spinnerToken.Success()
}

func CheckPrometheusEndpoint(metricsPort int) (EmpdbStats, error) {
	// Download from the metrics endpoint
	metricsURL := "http://localhost:" + strconv.Itoa(metricsPort) + "/metrics"
	spinnerInitialConnect, _ := pterm.DefaultSpinner.Start("Checking the empdbd metrics endpoint: " + metricsURL)
	resp, err := http.Get(metricsURL)
	if err != nil {
		spinnerInitialConnect.Fail()
		return EmpdbStats{}, err
	}
	defer resp.Body.Close()

	// Read all the body and return it
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		spinnerInitialConnect.Fail("Unable to read the metrics endpoint")
		return EmpdbStats{}, err
	}
	spinnerInitialConnect.Success()
	return parseEmpdbStats(string(body)), nil
}

func parsePrometheusMetric(line string) int64 {
	flt, _, err := big.ParseFloat(strings.Split(line, " ")[1], 10, 0, big.ToNearestEven)
	if err != nil {
		logger.Errorln("Unable to parse prometheus metric", line, ":", err)
		return 0
	}
	parsed, _ := flt.Int64()
	return parsed
}

func parseEmpdbStats(body string) EmpdbStats {
	// Loop through the body and parse the stats
	var stats EmpdbStats
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "#") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "empdb_frames_received"):
			stats.framesReceived = parsePrometheusMetric(line)
		case strings.HasPrefix(line, "empdb_protocol_errors"):
			stats.protocolErrors = parsePrometheusMetric(line)
		case strings.HasPrefix(line, "empdb_record_count"):
			stats.recordCount = parsePrometheusMetric(line)
		case strings.HasPrefix(line, "empdb_open_connections"):
			stats.openConnections = parsePrometheusMetric(line)
		case strings.HasPrefix(line, "empdb_audit_queue_size"):
			stats.auditQueueSize = parsePrometheusMetric(line)
		}
	}
	return stats
}
