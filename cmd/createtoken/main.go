package main

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/jessevdk/go-flags"
	"github.com/natefinch/atomic"
)

// Options creates a signed token the empdbd audit publisher presents to the
// message bus.
type Options struct {
	Hours    int    `long:"hours" description:"Number of hours the token should be valid" default:"1"`
	Exchange string `long:"exchange" description:"Exchange the token grants write access to" default:"empdb-audit"`
	Output   string `short:"o" long:"output" description:"Write the token to this file instead of stdout"`
	Args     struct {
		PrivateKey string `positional-arg-name:"private-key" description:"PEM-encoded RSA private key"`
	} `positional-args:"yes" required:"yes"`
}

var options Options
var parser = flags.NewParser(&options, flags.Default)

type busClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

func main() {
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	// Read in the private key
	pemBytes, err := os.ReadFile(options.Args.PrivateKey)
	if err != nil {
		fmt.Println("Failed to read in private key:", options.Args.PrivateKey, ":", err)
		os.Exit(1)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		fmt.Println("No PEM block found in:", options.Args.PrivateKey)
		os.Exit(1)
	}
	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		fmt.Println("Failed to parse private key:", err)
		os.Exit(1)
	}

	// Create the Claims
	claims := busClaims{
		"bus.write:empdb/" + options.Exchange,
		jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour * time.Duration(options.Hours))),
			Issuer:    "empdb",
			Audience:  jwt.ClaimStrings{"bus"},
			Subject:   "empdbd",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "empdb-audit"
	ss, err := token.SignedString(privateKey)
	if err != nil {
		fmt.Println("Failed to sign token:", err)
		os.Exit(1)
	}

	if options.Output != "" {
		// Replace the token file in one step so the watcher in the
		// publisher never reads a half-written token.
		if err := atomic.WriteFile(options.Output, strings.NewReader(ss)); err != nil {
			fmt.Println("Failed to write token file:", err)
			os.Exit(1)
		}
		return
	}
	fmt.Printf("%v", ss)
}
