package empdb

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/empdb/empdb/internal/recfile"
)

// TestPackageEvent tests packaging a record mutation as a JSON audit event
func TestPackageEvent(t *testing.T) {
	log = logrus.New()

	addr := &net.TCPAddr{IP: net.ParseIP("192.168.0.7"), Port: 12345}
	rec := recfile.NewRecord("Alice", "1 Main St", 40)
	packaged := PackageEvent("add", rec, 3, addr)
	assert.NotEmpty(t, packaged)
	// Parse back the json
	var event AuditEvent
	err := json.Unmarshal(packaged, &event)
	assert.NoError(t, err)
	assert.Equal(t, "add", event.Op)
	assert.Equal(t, "Alice", event.Name)
	assert.Equal(t, "1 Main St", event.Address)
	assert.Equal(t, uint32(40), event.Hours)
	assert.Equal(t, 3, event.RecordCount)
	assert.Equal(t, addr.String(), event.Remote, "Remote address should be the same")
}

// TestPackageEvent_Mapping tests masking every peer address
func TestPackageEvent_Mapping(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("192.168.0.8"), Port: 12345}
	mapAll = "172.0.0.9"
	defer func() {
		mapAll = ""
	}()
	packaged := PackageEvent("remove", recfile.NewRecord("Bob", "2 Oak Ave", 20), 0, addr)
	var event AuditEvent
	err := json.Unmarshal(packaged, &event)
	assert.NoError(t, err)
	assert.Equal(t, "172.0.0.9", event.Remote, "Remote address should be masked")
}

// TestPackageEvent_MappingMultiple tests per-address mapping
func TestPackageEvent_MappingMultiple(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("192.168.0.8"), Port: 12345}
	ipMap = map[string]string{
		"192.168.0.8": "172.0.0.10",
		"192.168.0.9": "172.0.0.11",
	}
	defer func() {
		ipMap = nil
	}()
	packaged := PackageEvent("add", recfile.NewRecord("Bob", "2 Oak Ave", 20), 1, addr)
	var event AuditEvent
	err := json.Unmarshal(packaged, &event)
	assert.NoError(t, err)
	assert.Equal(t, "172.0.0.10", event.Remote, "Remote address should be remapped")
}

// TestPackageEvent_NoRemote tests packaging an event with no peer address
func TestPackageEvent_NoRemote(t *testing.T) {
	packaged := PackageEvent("add", recfile.NewRecord("Carol", "3 Elm Rd", 35), 1, nil)
	var event AuditEvent
	err := json.Unmarshal(packaged, &event)
	assert.NoError(t, err)
	assert.Empty(t, event.Remote)
}
