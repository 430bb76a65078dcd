// Package media moves raw call audio over the external media UDP port.
//
// One Transport per active call: inbound RTP packets are unwrapped and
// surfaced as μ-law payloads on a channel, outbound payloads are wrapped in
// RTP and sent to the remote endpoint learned from the first inbound packet
// (symmetric RTP). No business logic lives here.
package media

import (
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/carebridge/callcore"
)

const (
	maxDatagram = 1500
	// queueDepth bounds both directions; packets beyond it are dropped
	// rather than buffered indefinitely.
	queueDepth = 100
)

// Transport is a bidirectional RTP/UDP audio leg bound to one local port.
type Transport struct {
	callID string
	conn   *net.UDPConn
	port   int
	logger *logrus.Logger

	remoteMu sync.RWMutex
	remote   *net.UDPAddr

	// outbound RTP state, touched only by writeLoop
	ssrc     uint32
	sequence uint16
	stamp    uint32

	inbound  chan []byte
	outbound chan []byte
	done     chan struct{}

	closeOnce sync.Once
	closedMu  sync.Mutex
	closed    bool
}

// Listen binds the allocated port and starts the packet loops.
func Listen(callID string, port int, logger *logrus.Logger) (*Transport, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("listen media port %d: %w", port, err)
	}

	t := &Transport{
		callID:   callID,
		conn:     conn,
		port:     port,
		logger:   logger,
		ssrc:     rand.Uint32(),
		sequence: uint16(rand.Intn(1 << 16)),
		stamp:    rand.Uint32(),
		inbound:  make(chan []byte, queueDepth),
		outbound: make(chan []byte, queueDepth),
		done:     make(chan struct{}),
	}

	go t.readLoop()
	go t.writeLoop()

	return t, nil
}

// Port returns the bound local port.
func (t *Transport) Port() int {
	return t.port
}

// Inbound returns the channel of received μ-law payloads. The channel is
// closed when the transport shuts down.
func (t *Transport) Inbound() <-chan []byte {
	return t.inbound
}

// Send queues one μ-law payload for transmission. Payloads queued before the
// remote endpoint is known are dropped; so are payloads beyond the queue
// depth.
func (t *Transport) Send(payload []byte) error {
	t.closedMu.Lock()
	closed := t.closed
	t.closedMu.Unlock()
	if closed {
		return io.ErrClosedPipe
	}

	data := make([]byte, len(payload))
	copy(data, payload)

	select {
	case t.outbound <- data:
	default:
		// Queue full, drop oldest so fresh audio wins.
		select {
		case <-t.outbound:
		default:
		}
		select {
		case t.outbound <- data:
		default:
		}
	}
	return nil
}

// Close shuts the transport down. Safe to call more than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closedMu.Lock()
		t.closed = true
		t.closedMu.Unlock()

		close(t.done)
		_ = t.conn.Close()
	})
	return nil
}

// readLoop unwraps inbound RTP and surfaces payloads.
func (t *Transport) readLoop() {
	defer close(t.inbound)

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.done:
			default:
				t.logger.WithError(err).WithField("call_id", t.callID).
					Warn("Media read failed")
			}
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			t.logger.WithError(err).WithField("call_id", t.callID).
				Debug("Dropping malformed RTP packet")
			continue
		}
		if pkt.PayloadType != callcore.RTPPayloadTypePCMU {
			continue
		}

		t.learnRemote(addr)

		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)

		select {
		case t.inbound <- payload:
		default:
			// Consumer is not keeping up; drop rather than buffer.
		}
	}
}

// writeLoop wraps outbound payloads in RTP and transmits them.
func (t *Transport) writeLoop() {
	for {
		select {
		case <-t.done:
			return
		case payload := <-t.outbound:
			t.remoteMu.RLock()
			remote := t.remote
			t.remoteMu.RUnlock()
			if remote == nil {
				continue
			}

			t.sequence++
			t.stamp += uint32(len(payload))
			pkt := rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    callcore.RTPPayloadTypePCMU,
					SequenceNumber: t.sequence,
					Timestamp:      t.stamp,
					SSRC:           t.ssrc,
				},
				Payload: payload,
			}
			data, err := pkt.Marshal()
			if err != nil {
				t.logger.WithError(err).WithField("call_id", t.callID).
					Warn("RTP marshal failed")
				continue
			}
			if _, err := t.conn.WriteToUDP(data, remote); err != nil {
				select {
				case <-t.done:
					return
				default:
				}
				t.logger.WithError(err).WithField("call_id", t.callID).
					Warn("Media write failed")
			}
		}
	}
}

func (t *Transport) learnRemote(addr *net.UDPAddr) {
	t.remoteMu.Lock()
	if t.remote == nil {
		t.remote = addr
		t.logger.WithFields(logrus.Fields{
			"call_id": t.callID,
			"remote":  addr.String(),
		}).Debug("Learned media remote endpoint")
	}
	t.remoteMu.Unlock()
}
