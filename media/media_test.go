package media

import (
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/callcore"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestInboundUnwrapsRTP(t *testing.T) {
	tr, err := Listen("call-1", 0, quietLogger())
	require.NoError(t, err)
	defer tr.Close()

	local := tr.conn.LocalAddr().(*net.UDPAddr)
	peer, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: local.Port})
	require.NoError(t, err)
	defer peer.Close()

	payload := make([]byte, callcore.FrameBytes)
	for i := range payload {
		payload[i] = 0xFF
	}
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    callcore.RTPPayloadTypePCMU,
			SequenceNumber: 1,
			Timestamp:      160,
			SSRC:           42,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	require.NoError(t, err)
	_, err = peer.Write(data)
	require.NoError(t, err)

	select {
	case got := <-tr.Inbound():
		require.Equal(t, payload, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound payload")
	}
}

func TestSendWrapsRTPToLearnedRemote(t *testing.T) {
	tr, err := Listen("call-1", 0, quietLogger())
	require.NoError(t, err)
	defer tr.Close()

	local := tr.conn.LocalAddr().(*net.UDPAddr)
	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()

	// Teach the transport its remote endpoint with one inbound packet.
	inPkt := rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: callcore.RTPPayloadTypePCMU, SSRC: 7},
		Payload: []byte{0x00},
	}
	inData, err := inPkt.Marshal()
	require.NoError(t, err)
	_, err = peer.WriteToUDP(inData, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: local.Port})
	require.NoError(t, err)
	<-tr.Inbound()

	out := []byte{0x01, 0x02, 0x03}
	require.NoError(t, tr.Send(out))

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, maxDatagram)
	n, _, err := peer.ReadFromUDP(buf)
	require.NoError(t, err)

	var got rtp.Packet
	require.NoError(t, got.Unmarshal(buf[:n]))
	require.Equal(t, uint8(callcore.RTPPayloadTypePCMU), got.PayloadType)
	require.Equal(t, out, got.Payload)
}

func TestMalformedPacketsAreDropped(t *testing.T) {
	tr, err := Listen("call-1", 0, quietLogger())
	require.NoError(t, err)
	defer tr.Close()

	local := tr.conn.LocalAddr().(*net.UDPAddr)
	peer, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: local.Port})
	require.NoError(t, err)
	defer peer.Close()

	_, err = peer.Write([]byte{0x01}) // not RTP
	require.NoError(t, err)

	select {
	case <-tr.Inbound():
		t.Fatal("malformed packet should not surface")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	tr, err := Listen("call-1", 0, quietLogger())
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	require.Error(t, tr.Send([]byte{0x01}))

	select {
	case _, open := <-tr.Inbound():
		require.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("inbound channel should close on shutdown")
	}
}
