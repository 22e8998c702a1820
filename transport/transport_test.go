package transport

import (
	"bufio"
	"bytes"
	"net"
	"testing"
	"time"
)

func TestStreamWriteAllAndRead(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sa := New(a)
	sb := New(b)

	go func() {
		sa.WriteAll([]byte("hello"))
	}()

	buf := make([]byte, 5)
	if _, err := sb.Read(buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q want hello", buf)
	}
}

func TestAsyncReadDeliversOnCompletion(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sa := New(a)
	sb := New(b)

	done := make(chan struct{})
	buf := make([]byte, 5)
	sb.AsyncRead(buf, time.Second, func() { close(done) }, func(err error) { t.Fatalf("unexpected error: %v", err) })

	sa.WriteAll([]byte("world"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async read did not complete")
	}
	if string(buf) != "world" {
		t.Fatalf("got %q want world", buf)
	}
}

func TestEncodeDecodeWSFrameRoundTrip(t *testing.T) {
	payload := []byte("the quick brown fox")
	frame := encodeWSFrame(wsOpcodeBinary, payload)

	br := bufio.NewReader(bytes.NewReader(frame))
	got, opcode, err := readWSFrame(br)
	if err != nil {
		t.Fatalf("readWSFrame: %v", err)
	}
	if opcode != wsOpcodeBinary {
		t.Fatalf("opcode = %x, want binary", opcode)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q want %q", got, payload)
	}
}

func TestEncodeWSFrameExtendedLength(t *testing.T) {
	payload := make([]byte, 200)
	frame := encodeWSFrame(wsOpcodeBinary, payload)
	if frame[1] != 126 {
		t.Fatalf("expected extended-16 length marker, got %d", frame[1])
	}

	br := bufio.NewReader(bytes.NewReader(frame))
	got, _, err := readWSFrame(br)
	if err != nil {
		t.Fatalf("readWSFrame: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("got %d bytes want %d", len(got), len(payload))
	}
}

func TestReadWSFrameUnmasksClientPayload(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	mask := [4]byte{0xaa, 0xbb, 0xcc, 0xdd}
	masked := make([]byte, len(payload))
	for i, b := range payload {
		masked[i] = b ^ mask[i%4]
	}

	var frame bytes.Buffer
	frame.WriteByte(wsFinBit | wsOpcodeBinary)
	frame.WriteByte(wsMaskBit | byte(len(payload)))
	frame.Write(mask[:])
	frame.Write(masked)

	br := bufio.NewReader(&frame)
	got, _, err := readWSFrame(br)
	if err != nil {
		t.Fatalf("readWSFrame: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %v want %v", got, payload)
	}
}

type echoMechanism struct {
	steps int
	ssf   int
}

func (m *echoMechanism) Name() string { return "ECHOTEST" }

func (m *echoMechanism) Step(clientIn []byte) (serverOut []byte, done bool, err error) {
	m.steps++
	return []byte("ok"), m.steps >= 2, nil
}

func (m *echoMechanism) SSF() int { return m.ssf }

func TestNegotiateSASLCompletesAndInstallsLayer(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	server := New(a)
	client := New(b)

	serverDone := make(chan error, 1)
	go func() {
		_, err := NegotiateSASL(server, []string{"ECHOTEST"}, func(name string) (Mechanism, error) {
			return &echoMechanism{ssf: 0}, nil
		})
		serverDone <- err
	}()

	// drive the client side of the exchange by hand, mirroring the
	// wire shape NegotiateSASL expects from its peer.
	mechlist, err := readLengthPrefixedBounded(client, saslMaxMechNameLen+16)
	if err != nil {
		t.Fatalf("read mechlist: %v", err)
	}
	if string(mechlist) != "ECHOTEST" {
		t.Fatalf("got mechlist %q", mechlist)
	}
	if err := writeLengthPrefixed(client, []byte("ECHOTEST")); err != nil {
		t.Fatalf("write mechname: %v", err)
	}
	if err := writeLengthPrefixed(client, []byte("initial")); err != nil {
		t.Fatalf("write initial response: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := readLengthPrefixedBounded(client, saslDataMaxLen); err != nil {
			t.Fatalf("read step output %d: %v", i, err)
		}
		var cont [1]byte
		if _, err := client.Read(cont[:]); err != nil {
			t.Fatalf("read continue flag %d: %v", i, err)
		}
		if cont[0] == 0 {
			break
		}
		if err := writeLengthPrefixed(client, []byte("step")); err != nil {
			t.Fatalf("write step input %d: %v", i, err)
		}
	}

	if err := <-serverDone; err != nil {
		t.Fatalf("NegotiateSASL failed: %v", err)
	}
}
