package server

import (
	"bufio"
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"github.com/empdb/empdb"
	"github.com/empdb/empdb/internal/protocol"
	"github.com/empdb/empdb/internal/recfile"
)

// dispatch handles one complete frame from a tracked connection. Well-formed
// requests the engine rejects are answered with a failure status and leave
// the connection in Ready; anything else is a protocol violation that draws
// an Error frame and closes the connection.
func (s *Server) dispatch(c *conn, fr protocol.Frame) {
	empdb.FramesReceived.Inc()

	want, isRequest := protocol.RequestBodySize(fr.Kind)
	if !isRequest || len(fr.Body) != want {
		log.Debugln("Bad request from", c.sock.RemoteAddr(), "kind:", fr.Kind, "body:", len(fr.Body))
		s.protocolViolation(c)
		return
	}

	switch c.state {
	case stateAwaitingHello:
		s.handleHello(c, fr)
	case stateReady:
		switch fr.Kind {
		case protocol.KindListReq:
			s.handleList(c)
		case protocol.KindAddReq:
			s.handleAdd(c, fr.Body)
		case protocol.KindDelReq:
			s.handleDel(c)
		default:
			// A second hello; non-request kinds were rejected above.
			s.protocolViolation(c)
		}
	}
}

func (s *Server) handleHello(c *conn, fr protocol.Frame) {
	if fr.Kind != protocol.KindHelloReq {
		s.protocolViolation(c)
		return
	}
	peerProto := binary.BigEndian.Uint16(fr.Body)
	if peerProto != protocol.Version {
		log.Infoln("Protocol version mismatch from", c.sock.RemoteAddr(),
			"peer:", peerProto, "server:", protocol.Version)
		s.protocolViolation(c)
		return
	}
	if err := protocol.WriteFull(c.sock, protocol.EncodeHello(protocol.KindHelloResp, protocol.Version)); err != nil {
		log.Debugln("Failed to send hello response:", err)
		s.closeConn(c)
		return
	}
	c.state = stateReady
}

func (s *Server) handleAdd(c *conn, body []byte) {
	addstr := protocol.DecodeAddReq(body)
	rec, err := s.eng.Add(addstr)
	status := protocol.StatusOK
	if err != nil {
		empdb.RequestsFailed.Inc()
		log.Debugln("Rejected add from", c.sock.RemoteAddr(), ":", err)
		status = protocol.StatusFailed
	}
	if werr := protocol.WriteFull(c.sock, protocol.EncodeStatus(protocol.KindAddResp, status)); werr != nil {
		log.Debugln("Failed to send add response:", werr)
		s.closeConn(c)
		return
	}
	if err == nil {
		empdb.RecordCount.Set(float64(s.eng.Len()))
		if s.cfg.Audit != nil {
			s.cfg.Audit("add", rec, s.eng.Len(), c.sock.RemoteAddr())
		}
	}
}

func (s *Server) handleDel(c *conn) {
	rec, err := s.eng.RemoveLast()
	status := protocol.StatusOK
	if err != nil {
		empdb.RequestsFailed.Inc()
		log.Debugln("Rejected remove from", c.sock.RemoteAddr(), ":", err)
		status = protocol.StatusFailed
	}
	if werr := protocol.WriteFull(c.sock, protocol.EncodeStatus(protocol.KindDelResp, status)); werr != nil {
		log.Debugln("Failed to send remove response:", werr)
		s.closeConn(c)
		return
	}
	if err == nil {
		empdb.RecordCount.Set(float64(s.eng.Len()))
		if s.cfg.Audit != nil {
			s.cfg.Audit("remove", rec, s.eng.Len(), c.sock.RemoteAddr())
		}
	}
}

// handleList sends the count frame followed by the raw record stream. The
// frame's len field covers only the count; the records that follow are part
// of the wire contract, not a second message.
func (s *Server) handleList(c *conn) {
	records := s.eng.Records()
	body := make([]byte, protocol.CountBodySize)
	binary.BigEndian.PutUint16(body, uint16(len(records)))

	bw := bufio.NewWriterSize(c.sock, 32*1024)
	if _, err := bw.Write(protocol.Encode(protocol.KindListResp, body)); err != nil {
		s.closeConn(c)
		return
	}
	for i := range records {
		if err := recfile.WriteRecord(bw, &records[i]); err != nil {
			log.Debugln("Failed to stream record list:", err)
			s.closeConn(c)
			return
		}
	}
	if err := bw.Flush(); err != nil {
		log.Debugln("Failed to stream record list:", err)
		s.closeConn(c)
		return
	}
}

// protocolViolation answers with a best-effort Error frame and closes the
// connection.
func (s *Server) protocolViolation(c *conn) {
	empdb.ProtocolErrors.Inc()
	_ = protocol.WriteFull(c.sock, protocol.Encode(protocol.KindError, nil))
	s.closeConn(c)
}
