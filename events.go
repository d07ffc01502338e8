package empdb

import (
	"encoding/json"
	"net"

	"github.com/spf13/viper"

	"github.com/empdb/empdb/internal/recfile"
)

// AuditEvent is the JSON document published to the audit bus for every
// successful record mutation.
type AuditEvent struct {
	Op           string `json:"op"` // "add" or "remove"
	Name         string `json:"name"`
	Address      string `json:"address"`
	Hours        uint32 `json:"hours"`
	Remote       string `json:"remote"`
	RecordCount  int    `json:"record_count"`
	EmpdbVersion string `json:"version"`
}

var (
	mapAll string
	ipMap  map[string]string
)

// ConfigureMap sets the peer-address mapping configuration
func ConfigureMap() {
	// First, check for the map environment variable
	mapAll = viper.GetString("map.all")

	// If the map is not set
	ipMap = viper.GetStringMapString("map")
}

// mapRemote returns the mapped peer address for audit events
func mapRemote(remote net.Addr) string {
	if mapAll != "" {
		return mapAll
	}
	host, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		return remote.String()
	}
	if len(ipMap) == 0 {
		return remote.String()
	}
	if mapped, ok := ipMap[host]; ok {
		return mapped
	}
	return remote.String()
}

// PackageEvent packages one record mutation as a JSON audit event.
func PackageEvent(op string, rec recfile.Record, count int, remote net.Addr) []byte {
	event := AuditEvent{
		Op:           op,
		Name:         rec.NameString(),
		Address:      rec.AddressString(),
		Hours:        rec.Hours,
		RecordCount:  count,
		EmpdbVersion: EmpdbVersion,
	}
	if remote != nil {
		event.Remote = mapRemote(remote)
	}

	b, err := json.Marshal(event)
	if err != nil {
		log.Errorln("Failed to Marshal the audit event to json:", err)
	}
	return b
}
