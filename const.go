package empdb

import (
	"time"
)

const (
	// When reconnecting to the message bus after connection failure
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception
	reInitDelay = 2 * time.Second

	// When resending messages the bus didn't confirm
	resendDelay = 5 * time.Second
)

var (
	EmpdbVersion string
	EmpdbCommit  string
	EmpdbDate    string
	EmpdbBuiltBy string
)
