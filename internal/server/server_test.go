package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/empdb/empdb/internal/engine"
	"github.com/empdb/empdb/internal/protocol"
	"github.com/empdb/empdb/internal/recfile"
)

// startServer runs a server against an in-memory engine and returns its
// address plus a stop function that waits for Serve to return.
func startServer(t *testing.T, cfg Config, eng *engine.Engine) (net.Addr, func()) {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	srv := New(cfg, eng)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx)
	}()
	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("server did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return srv.Addr(), stop
}

type testClient struct {
	t    *testing.T
	conn net.Conn
}

func dialServer(t *testing.T, addr net.Addr) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(frame []byte) {
	c.t.Helper()
	require.NoError(c.t, protocol.WriteFull(c.conn, frame))
}

func (c *testClient) recv() protocol.Frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	fr, err := protocol.ReadFrame(c.conn)
	require.NoError(c.t, err)
	return fr
}

// hello performs the version handshake and leaves the session in Ready.
func (c *testClient) hello() {
	c.t.Helper()
	c.send(protocol.EncodeHello(protocol.KindHelloReq, protocol.Version))
	resp := c.recv()
	require.Equal(c.t, protocol.KindHelloResp, resp.Kind)
	require.Equal(c.t, protocol.Version, binary.BigEndian.Uint16(resp.Body))
}

// list sends a ListReq and reads the count frame plus the raw record stream.
func (c *testClient) list() []recfile.Record {
	c.t.Helper()
	c.send(protocol.Encode(protocol.KindListReq, nil))
	resp := c.recv()
	require.Equal(c.t, protocol.KindListResp, resp.Kind)
	require.Len(c.t, resp.Body, protocol.CountBodySize)
	count := int(binary.BigEndian.Uint16(resp.Body))

	raw := make([]byte, count*recfile.RecordSize)
	require.NoError(c.t, protocol.ReadFull(c.conn, raw))
	records := make([]recfile.Record, count)
	r := bytes.NewReader(raw)
	for i := range records {
		rec, err := recfile.ReadRecord(r)
		require.NoError(c.t, err)
		records[i] = rec
	}
	return records
}

// expectClosed asserts that the server closed the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 1)
	_, err := c.conn.Read(buf)
	assert.ErrorIs(c.t, err, io.EOF)
}

// TestHelloAddList tests the create-add-list happy path
func TestHelloAddList(t *testing.T) {
	addr, _ := startServer(t, Config{}, engine.New(nil))
	client := dialServer(t, addr)
	client.hello()

	client.send(protocol.EncodeAddReq("Alice-1 Main St-40"))
	resp := client.recv()
	require.Equal(t, protocol.KindAddResp, resp.Kind)
	assert.Equal(t, protocol.StatusOK, protocol.DecodeStatus(resp.Body))

	records := client.list()
	require.Len(t, records, 1)
	assert.Equal(t, "Alice", records[0].NameString())
	assert.Equal(t, "1 Main St", records[0].AddressString())
	assert.Equal(t, uint32(40), records[0].Hours)
}

// TestRemoveFromEmpty tests that a failed remove keeps the session in Ready
func TestRemoveFromEmpty(t *testing.T) {
	addr, _ := startServer(t, Config{}, engine.New(nil))
	client := dialServer(t, addr)
	client.hello()

	client.send(protocol.Encode(protocol.KindDelReq, nil))
	resp := client.recv()
	require.Equal(t, protocol.KindDelResp, resp.Kind)
	assert.Equal(t, protocol.StatusFailed, protocol.DecodeStatus(resp.Body))

	// The connection must still serve requests
	assert.Empty(t, client.list())
}

// TestAddRejectedKeepsConnection tests that an engine rejection is a status,
// not a protocol violation
func TestAddRejectedKeepsConnection(t *testing.T) {
	addr, _ := startServer(t, Config{}, engine.New(nil))
	client := dialServer(t, addr)
	client.hello()

	client.send(protocol.EncodeAddReq("no dashes here"))
	resp := client.recv()
	require.Equal(t, protocol.KindAddResp, resp.Kind)
	assert.Equal(t, protocol.StatusFailed, protocol.DecodeStatus(resp.Body))

	assert.Empty(t, client.list())
}

// TestProtocolMismatch tests that a hello with the wrong version draws an
// Error frame and a close
func TestProtocolMismatch(t *testing.T) {
	addr, _ := startServer(t, Config{}, engine.New(nil))
	client := dialServer(t, addr)

	client.send(protocol.EncodeHello(protocol.KindHelloReq, 99))
	resp := client.recv()
	assert.Equal(t, protocol.KindError, resp.Kind)
	client.expectClosed()
}

// TestRequestBeforeHello tests that any non-hello request in AwaitingHello is
// a violation
func TestRequestBeforeHello(t *testing.T) {
	addr, _ := startServer(t, Config{}, engine.New(nil))
	client := dialServer(t, addr)

	client.send(protocol.Encode(protocol.KindListReq, nil))
	resp := client.recv()
	assert.Equal(t, protocol.KindError, resp.Kind)
	client.expectClosed()
}

// TestUnknownKindInReady tests that a non-request kind closes the session
func TestUnknownKindInReady(t *testing.T) {
	addr, _ := startServer(t, Config{}, engine.New(nil))
	client := dialServer(t, addr)
	client.hello()

	client.send(protocol.EncodeStatus(protocol.KindAddResp, protocol.StatusOK))
	resp := client.recv()
	assert.Equal(t, protocol.KindError, resp.Kind)
	client.expectClosed()
}

// TestBodySizeMismatch tests that a wrong body length for a known kind closes
// the session
func TestBodySizeMismatch(t *testing.T) {
	addr, _ := startServer(t, Config{}, engine.New(nil))
	client := dialServer(t, addr)
	client.hello()

	client.send(protocol.Encode(protocol.KindAddReq, []byte("short")))
	resp := client.recv()
	assert.Equal(t, protocol.KindError, resp.Kind)
	client.expectClosed()
}

// TestMalformedKind tests that an out-of-range kind closes the session after
// at most one Error frame
func TestMalformedKind(t *testing.T) {
	addr, _ := startServer(t, Config{}, engine.New(nil))
	client := dialServer(t, addr)

	hdr := make([]byte, protocol.HeaderSize)
	binary.BigEndian.PutUint32(hdr[0:4], 0x63)
	binary.BigEndian.PutUint16(hdr[4:6], 0)
	client.send(hdr)
	resp := client.recv()
	assert.Equal(t, protocol.KindError, resp.Kind)
	client.expectClosed()
}

// TestPartialFraming tests that a request split across writes with a pause
// still dispatches exactly once
func TestPartialFraming(t *testing.T) {
	addr, _ := startServer(t, Config{}, engine.New(nil))
	client := dialServer(t, addr)
	client.hello()

	frame := protocol.EncodeAddReq("Alice-1 Main St-40")
	client.send(frame[:3])
	time.Sleep(50 * time.Millisecond)
	client.send(frame[3:])

	resp := client.recv()
	require.Equal(t, protocol.KindAddResp, resp.Kind)
	assert.Equal(t, protocol.StatusOK, protocol.DecodeStatus(resp.Body))
	require.Len(t, client.list(), 1)
}

// TestPipelinedRequests tests draining several frames that arrive in one read
func TestPipelinedRequests(t *testing.T) {
	addr, _ := startServer(t, Config{}, engine.New(nil))
	client := dialServer(t, addr)
	client.hello()

	var pipelined bytes.Buffer
	pipelined.Write(protocol.EncodeAddReq("Alice-1 Main St-40"))
	pipelined.Write(protocol.EncodeAddReq("Bob-2 Oak Ave-20"))
	pipelined.Write(protocol.Encode(protocol.KindDelReq, nil))
	client.send(pipelined.Bytes())

	for _, want := range []protocol.Kind{protocol.KindAddResp, protocol.KindAddResp, protocol.KindDelResp} {
		resp := client.recv()
		require.Equal(t, want, resp.Kind)
		assert.Equal(t, protocol.StatusOK, protocol.DecodeStatus(resp.Body))
	}

	records := client.list()
	require.Len(t, records, 1)
	assert.Equal(t, "Alice", records[0].NameString())
}

// TestTableSaturation tests that a connection beyond the table capacity is
// accepted and immediately closed with no frames
func TestTableSaturation(t *testing.T) {
	addr, _ := startServer(t, Config{MaxConns: 2}, engine.New(nil))

	first := dialServer(t, addr)
	first.hello()
	second := dialServer(t, addr)
	second.hello()

	third := dialServer(t, addr)
	third.expectClosed()

	// The tracked sessions keep working
	assert.Empty(t, first.list())
	assert.Empty(t, second.list())
}

// TestAuditHook tests that successful mutations reach the audit callback
func TestAuditHook(t *testing.T) {
	type auditCall struct {
		op    string
		name  string
		count int
	}
	calls := make(chan auditCall, 8)
	cfg := Config{
		Audit: func(op string, rec recfile.Record, count int, remote net.Addr) {
			calls <- auditCall{op: op, name: rec.NameString(), count: count}
		},
	}
	addr, _ := startServer(t, cfg, engine.New(nil))
	client := dialServer(t, addr)
	client.hello()

	client.send(protocol.EncodeAddReq("Alice-1 Main St-40"))
	require.Equal(t, protocol.KindAddResp, client.recv().Kind)
	client.send(protocol.Encode(protocol.KindDelReq, nil))
	require.Equal(t, protocol.KindDelResp, client.recv().Kind)

	// Rejected mutations must not be audited
	client.send(protocol.Encode(protocol.KindDelReq, nil))
	resp := client.recv()
	assert.Equal(t, protocol.StatusFailed, protocol.DecodeStatus(resp.Body))

	assert.Equal(t, auditCall{op: "add", name: "Alice", count: 1}, <-calls)
	assert.Equal(t, auditCall{op: "remove", name: "Alice", count: 0}, <-calls)
	select {
	case call := <-calls:
		t.Fatal("unexpected audit call:", call)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestPersistenceAcrossRestart tests the full daemon lifecycle: mutate over
// the wire, save on shutdown, reload on restart
func TestPersistenceAcrossRestart(t *testing.T) {
	dbPath := path.Join(t.TempDir(), "employees.db")
	dbFile, hdr, err := recfile.Create(dbPath)
	require.NoError(t, err)

	records, err := recfile.LoadAll(dbFile, int(hdr.Count))
	require.NoError(t, err)
	eng := engine.New(records)

	addr, stop := startServer(t, Config{}, eng)
	client := dialServer(t, addr)
	client.hello()
	for _, addstr := range []string{"A-addr a-1", "B-addr b-2", "C-addr c-3"} {
		client.send(protocol.EncodeAddReq(addstr))
		resp := client.recv()
		require.Equal(t, protocol.StatusOK, protocol.DecodeStatus(resp.Body))
	}
	client.send(protocol.Encode(protocol.KindDelReq, nil))
	require.Equal(t, protocol.KindDelResp, client.recv().Kind)

	// Shut down and persist, the way the process driver does
	stop()
	_, err = recfile.SaveAll(dbFile, eng.Records())
	require.NoError(t, err)
	require.NoError(t, dbFile.Close())

	// Restart against the same file
	dbFile, hdr, err = recfile.Open(dbPath)
	require.NoError(t, err)
	defer dbFile.Close()
	require.Equal(t, uint16(2), hdr.Count)
	records, err = recfile.LoadAll(dbFile, int(hdr.Count))
	require.NoError(t, err)

	addr, _ = startServer(t, Config{}, engine.New(records))
	client = dialServer(t, addr)
	client.hello()
	listed := client.list()
	require.Len(t, listed, 2)
	assert.Equal(t, "A", listed[0].NameString())
	assert.Equal(t, "B", listed[1].NameString())
}

// TestLargeList tests streaming a record block bigger than the frame limit
func TestLargeList(t *testing.T) {
	var records []recfile.Record
	for i := 0; i < 50; i++ {
		records = append(records, recfile.NewRecord("employee", "somewhere", uint32(i)))
	}
	addr, _ := startServer(t, Config{}, engine.New(records))
	client := dialServer(t, addr)
	client.hello()

	listed := client.list()
	require.Len(t, listed, 50)
	for i, rec := range listed {
		assert.Equal(t, uint32(i), rec.Hours)
	}
}
