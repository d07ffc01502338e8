package empdb

import (
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	ListenIP   string // Interface the record server binds to
	ListenPort int    // TCP port the record server listens on
	DBPath     string // Employee database file
	CreateDB   bool   // Create a fresh database instead of opening one
	MaxConns   int    // Bounded connection-table capacity

	Metrics     bool
	MetricsPort int
	Profile     bool
	ProfilePort int

	AuditBus     string   // "amqp", "stomp", "file", or "" to disable
	AuditFile    string   // Destination when AuditBus is "file"
	AmqpURL      *url.URL // AMQP URL (password comes from the token)
	AmqpExchange string   // Exchange the audit events are published to
	AmqpToken    string   // File location of the token

	StompUser     string
	StompPassword string
	StompURL      *url.URL
	StompHost     string
	StompTopic    string
	StompTLS      bool

	MapAll string // Mask every peer address in audit events with this value

	Debug bool
}

func (c *Config) ReadConfig() {
	c.ReadConfigWithPath("")
}

// ReadConfigWithPath loads the configuration, preferring an explicit file
// over the search path. Every key has a default so the daemon can run from
// flags alone.
func (c *Config) ReadConfigWithPath(configPath string) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config") // name of config file (without extension)
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/empdb/") // path to look for the config file in
		viper.AddConfigPath("$HOME/.empdb")
		viper.AddConfigPath(".")
		viper.AddConfigPath("config/")
	}
	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || configPath != "" {
			log.Fatalln("Fatal error reading config file:", err)
		}
		log.Debugln("No config file found, using defaults")
	}

	// Automatically look to the ENV for all "Gets"
	viper.SetEnvPrefix("empdb")
	viper.AutomaticEnv()
	// Look for environment variables with underscores
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("listen.port", 8089)
	viper.SetDefault("listen.ip", "127.0.0.1")
	viper.SetDefault("db.path", "employees.db")
	viper.SetDefault("server.max_conns", 256)
	viper.SetDefault("metrics.enable", false)
	viper.SetDefault("metrics.port", 8000)
	viper.SetDefault("profile.port", 6060)
	viper.SetDefault("audit.bus", "")
	viper.SetDefault("audit.file", "audit.log")
	viper.SetDefault("amqp.exchange", "empdb-audit")
	viper.SetDefault("amqp.token_location", "/etc/empdb/token")
	viper.SetDefault("stomp.topic", "empdb-audit")
	viper.SetDefault("queue_directory", "/tmp/empdb-queue")

	c.ListenIP = viper.GetString("listen.ip")
	c.ListenPort = viper.GetInt("listen.port")
	c.DBPath = viper.GetString("db.path")
	c.CreateDB = viper.GetBool("db.create")
	c.MaxConns = viper.GetInt("server.max_conns")
	log.Debugln("Database:", c.DBPath, "Listen:", c.ListenIP, "port:", c.ListenPort)

	c.Metrics = viper.GetBool("metrics.enable")
	c.MetricsPort = viper.GetInt("metrics.port")
	c.Profile = viper.GetBool("profile.enable")
	c.ProfilePort = viper.GetInt("profile.port")

	c.AuditBus = viper.GetString("audit.bus")
	c.AuditFile = viper.GetString("audit.file")

	if c.AuditBus == "amqp" {
		amqpURL, err := url.Parse(viper.GetString("amqp.url"))
		if err != nil {
			log.Fatalln("Fatal error parsing AMQP URL:", err)
		}
		c.AmqpURL = amqpURL
		log.Debugln("AMQP URL:", c.AmqpURL.String())
	}
	c.AmqpExchange = viper.GetString("amqp.exchange")
	c.AmqpToken = viper.GetString("amqp.token_location")

	if c.AuditBus == "stomp" {
		stompURL, err := url.Parse(viper.GetString("stomp.url"))
		if err != nil {
			log.Fatalln("Fatal error parsing STOMP URL:", err)
		}
		c.StompURL = stompURL
	}
	c.StompUser = viper.GetString("stomp.user")
	c.StompPassword = viper.GetString("stomp.password")
	c.StompHost = viper.GetString("stomp.host")
	c.StompTopic = viper.GetString("stomp.topic")
	c.StompTLS = viper.GetBool("stomp.tls")

	c.MapAll = viper.GetString("map.all")

	c.Debug = viper.GetBool("debug")
}
