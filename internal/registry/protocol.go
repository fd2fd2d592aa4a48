package registry

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const magicV1 = "  V1"

// version is reported in IDENTIFY responses and the /info HTTP endpoint.
const version = "1.0.0"

// identityRequest is the body a broker sends with IDENTIFY.
type identityRequest struct {
	BroadcastAddress string `json:"broadcast_address"`
	TCPPort          int    `json:"tcp_port"`
	HTTPPort         int    `json:"http_port"`
	Version          string `json:"version"`
}

// Server drives the registry's TCP (broker-facing) listener.
type Server struct {
	reg    *Registry
	logger logrus.FieldLogger

	listener net.Listener
	exitChan chan struct{}
}

// NewServer builds a registry TCP server bound to reg.
func NewServer(reg *Registry, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{reg: reg, logger: logger, exitChan: make(chan struct{})}
}

// ListenAndServe binds addr and accepts broker connections until Close.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("registry: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.logger.WithField("addr", ln.Addr().String()).Info("registry tcp listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.exitChan:
				return nil
			default:
				return err
			}
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting connections.
func (s *Server) Close() error {
	select {
	case <-s.exitChan:
	default:
		close(s.exitChan)
	}
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

type conn struct {
	net.Conn
	rw  *bufio.ReadWriter
	key ProducerKey
	had bool // whether IDENTIFY has been received
}

func (s *Server) handleConn(nc net.Conn) {
	defer nc.Close()

	c := &conn{
		Conn: nc,
		rw:   bufio.NewReadWriter(bufio.NewReader(nc), bufio.NewWriter(nc)),
	}

	magic := make([]byte, len(magicV1))
	if _, err := io.ReadFull(c.rw.Reader, magic); err != nil {
		return
	}

	defer func() {
		if c.had {
			s.reg.RemoveProducer(c.key)
		}
	}()

	for {
		line, err := c.rw.Reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		params := strings.Split(line, " ")
		cmd := strings.ToUpper(params[0])

		switch cmd {
		case "IDENTIFY":
			if err := s.doIdentify(c); err != nil {
				writeErr(c, err)
				return
			}
		case "REGISTER":
			s.doRegister(c, params)
		case "UNREGISTER":
			s.doUnregister(c, params)
		case "PING":
			s.doPing(c)
		case "VERSION":
			writeOK(c, []byte(version))
		case "QUIT":
			return
		default:
			writeErr(c, fmt.Errorf("E_INVALID unknown command %q", cmd))
		}
	}
}

func (s *Server) doIdentify(c *conn) error {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(c.rw.Reader, sizeBuf[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])
	body := make([]byte, size)
	if _, err := io.ReadFull(c.rw.Reader, body); err != nil {
		return err
	}

	var req identityRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return fmt.Errorf("E_BAD_BODY failed to decode IDENTIFY")
	}

	c.key = NewProducerKey(req.BroadcastAddress, req.TCPPort)
	c.had = true
	s.reg.IdentifyProducer(c.key, req.BroadcastAddress, req.TCPPort, req.HTTPPort, req.Version, time.Now())

	resp, err := json.Marshal(map[string]any{
		"version":    version,
		"tcp_port":   req.TCPPort,
		"http_port":  req.HTTPPort,
		"broadcast_address": req.BroadcastAddress,
	})
	if err != nil {
		return err
	}
	return writeOK(c, resp)
}

func (s *Server) doRegister(c *conn, params []string) {
	if !c.had || len(params) < 2 {
		writeErr(c, fmt.Errorf("E_INVALID REGISTER requires IDENTIFY first and a topic"))
		return
	}
	topic := params[1]
	s.reg.AddRegistration(c.key, Registration{Category: CategoryTopic, Key: topic})
	if len(params) >= 3 {
		s.reg.AddRegistration(c.key, Registration{Category: CategoryChannel, Key: topic, SubKey: params[2]})
	}
	writeOK(c, responseOKBytes)
}

func (s *Server) doUnregister(c *conn, params []string) {
	if !c.had || len(params) < 2 {
		writeErr(c, fmt.Errorf("E_INVALID UNREGISTER requires IDENTIFY first and a topic"))
		return
	}
	topic := params[1]
	if len(params) >= 3 {
		s.reg.RemoveRegistration(c.key, Registration{Category: CategoryChannel, Key: topic, SubKey: params[2]})
	} else {
		s.reg.RemoveRegistration(c.key, Registration{Category: CategoryTopic, Key: topic})
	}
	writeOK(c, responseOKBytes)
}

func (s *Server) doPing(c *conn) {
	if !c.had {
		writeErr(c, fmt.Errorf("E_INVALID PING requires IDENTIFY first"))
		return
	}
	s.reg.Touch(c.key, time.Now())
	writeOK(c, responseOKBytes)
}

var responseOKBytes = []byte("OK")

// writeOK/writeErr use the same [size][type][body] framing the broker
// uses for its own clients (spec §4.7 "Responses ... identical in format
// to the broker's client frames").
const (
	frameResponse int32 = 0
	frameError    int32 = 1
)

func writeFrame(c *conn, frameType int32, body []byte) error {
	size := uint32(4 + len(body))
	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], size)
	binary.BigEndian.PutUint32(header[4:8], uint32(frameType))
	if _, err := c.rw.Writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := c.rw.Writer.Write(body); err != nil {
		return err
	}
	return c.rw.Writer.Flush()
}

func writeOK(c *conn, body []byte) error {
	return writeFrame(c, frameResponse, body)
}

func writeErr(c *conn, err error) error {
	return writeFrame(c, frameError, []byte(err.Error()))
}
