package ws

import (
	"bytes"
	"net"
	"testing"
	"time"
)

// maskFrame builds a masked client frame the way a browser would.
func maskFrame(opcode byte, payload []byte) []byte {
	maskKey := [4]byte{0x1A, 0x2B, 0x3C, 0x4D}
	frame := []byte{0x80 | opcode}
	switch {
	case len(payload) < 126:
		frame = append(frame, 0x80|byte(len(payload)))
	case len(payload) <= 0xFFFF:
		frame = append(frame, 0x80|126, byte(len(payload)>>8), byte(len(payload)))
	}
	frame = append(frame, maskKey[:]...)
	for i, b := range payload {
		frame = append(frame, b^maskKey[i%4])
	}
	return frame
}

func TestReadFrameUnmasksClientPayload(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	payload := []byte(`{"type":"patch"}`)
	go func() {
		client.Write(maskFrame(opcodeText, payload))
	}()

	opcode, got, err := readFrame(server)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if opcode != opcodeText {
		t.Fatalf("unexpected opcode %d", opcode)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %q", got)
	}
}

func TestReadFrameRejectsUnmaskedFrames(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		// FIN + text, no mask bit.
		client.Write([]byte{0x81, 0x02, 'h', 'i'})
	}()

	if _, _, err := readFrame(server); err == nil {
		t.Fatal("unmasked client frame should be rejected")
	}
}

func TestWriteFrameRoundTripsThroughClientParser(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	payload := []byte(`{"type":"ack","messageId":"c:1"}`)
	go func() {
		if err := writeFrame(server, opcodeText, payload, time.Second); err != nil {
			t.Errorf("write frame: %v", err)
		}
	}()

	header := make([]byte, 2)
	if _, err := readFull(client, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	if header[0] != 0x80|opcodeText {
		t.Fatalf("unexpected first byte %#x", header[0])
	}
	if int(header[1]) != len(payload) {
		t.Fatalf("unexpected length byte %d", header[1])
	}
	body := make([]byte, len(payload))
	if _, err := readFull(client, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("payload mismatch: %q", body)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestEncodeClosePayloadTruncatesLongReasons(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	payload := encodeClosePayload(closeNormalClosure, string(long))
	if len(payload) != 2+123 {
		t.Fatalf("close payload should cap the reason at 123 bytes, got %d", len(payload))
	}
	if code := int(payload[0])<<8 | int(payload[1]); code != closeNormalClosure {
		t.Fatalf("unexpected close code %d", code)
	}
}
