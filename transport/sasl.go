package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrSASLNegotiationFailed is returned when the mechanism negotiator
// rejects every step of the exchange.
var ErrSASLNegotiationFailed = errors.New("transport: sasl negotiation failed")

const (
	saslMaxMechNameLen = 100
	saslDataMaxLen     = 1024 * 1024
)

// Mechanism performs one SASL step given the client's input, and
// reports whether the exchange should continue (spec.md §4.7: "a
// small negotiation FSM ... repeated while CONTINUE"). The actual
// cryptographic mechanism (PLAIN, GSSAPI, ...) is not this package's
// concern -- red-stream.cpp delegates that to libsasl and so does
// this port, through this narrow interface.
type Mechanism interface {
	Name() string
	Step(clientIn []byte) (serverOut []byte, done bool, err error)
	// SSF returns the negotiated security strength factor once done.
	SSF() int
}

// SecurityLayer is the optional post-negotiation encode/decode
// pipeline a Mechanism may provide once an SSF has been established
// (red_stream_sasl_read/red_stream_sasl_write's sasl_encode/
// sasl_decode calls). A Mechanism that does not implement it still
// satisfies the interface above for plain authentication-only use
// (SSF of 0, e.g. SASL PLAIN over an already-TLS-protected channel).
type SecurityLayer interface {
	Encode(plain []byte) ([]byte, error)
	Decode(cipher []byte) ([]byte, error)
}

// saslLayer wraps a Stream's raw read/write once a Mechanism has been
// selected and is driving the exchange; once negotiated every
// subsequent Read/Write is routed through it.
type saslLayer struct {
	s          *Stream
	mech       Mechanism
	sec        SecurityLayer // nil if the mechanism has no SSF transform
	ssf        int
	negotiated bool

	inbuf []byte
}

func (l *saslLayer) running() bool { return l != nil && l.negotiated }

func (l *saslLayer) Read(p []byte) (int, error) {
	for len(l.inbuf) == 0 {
		raw := make([]byte, len(p))
		n, err := l.s.rawRead(raw)
		if err != nil {
			return 0, err
		}
		if l.sec == nil {
			l.inbuf = raw[:n]
			break
		}
		decoded, err := l.sec.Decode(raw[:n])
		if err != nil {
			return 0, fmt.Errorf("transport: sasl decode: %w", err)
		}
		l.inbuf = decoded
	}
	n := copy(p, l.inbuf)
	l.inbuf = l.inbuf[n:]
	return n, nil
}

func (l *saslLayer) Write(p []byte) (int, error) {
	out := p
	if l.sec != nil {
		encoded, err := l.sec.Encode(p)
		if err != nil {
			return 0, fmt.Errorf("transport: sasl encode: %w", err)
		}
		out = encoded
	}
	if _, err := l.s.rawWrite(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

// NegotiateSASL drives the mechanism-list / step exchange described
// in spec.md §4.7 against an already-connected Stream: the server
// writes its offered mechanism list, reads back the client's chosen
// mechanism name and initial response, then loops Step calls reading
// a length-prefixed client blob and writing a length-prefixed server
// blob plus a one-byte continue flag, exactly mirroring the wire
// shape red_sasl_handle_auth_step documents for each round.
func NegotiateSASL(s *Stream, offeredMechs []string, pick func(name string) (Mechanism, error)) (int, error) {
	mechlist := joinMechs(offeredMechs)
	if err := writeLengthPrefixed(s, []byte(mechlist)); err != nil {
		return 0, fmt.Errorf("transport: sasl write mechlist: %w", err)
	}

	mechName, err := readLengthPrefixedBounded(s, saslMaxMechNameLen)
	if err != nil {
		return 0, fmt.Errorf("transport: sasl read mechname: %w", err)
	}
	mech, err := pick(string(mechName))
	if err != nil {
		return 0, fmt.Errorf("transport: sasl pick mechanism: %w", err)
	}

	clientIn, err := readLengthPrefixedBounded(s, saslDataMaxLen)
	if err != nil {
		return 0, fmt.Errorf("transport: sasl read initial response: %w", err)
	}

	for {
		serverOut, done, err := mech.Step(clientIn)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrSASLNegotiationFailed, err)
		}
		if err := writeLengthPrefixed(s, serverOut); err != nil {
			return 0, fmt.Errorf("transport: sasl write step output: %w", err)
		}
		cont := byte(1)
		if done {
			cont = 0
		}
		if err := s.WriteAll([]byte{cont}); err != nil {
			return 0, fmt.Errorf("transport: sasl write continue flag: %w", err)
		}
		if done {
			break
		}
		clientIn, err = readLengthPrefixedBounded(s, saslDataMaxLen)
		if err != nil {
			return 0, fmt.Errorf("transport: sasl read step input: %w", err)
		}
	}

	sec, _ := mech.(SecurityLayer)
	s.mu.Lock()
	s.sasl = &saslLayer{s: s, mech: mech, sec: sec, ssf: mech.SSF(), negotiated: mech.SSF() >= 56}
	s.mu.Unlock()
	return mech.SSF(), nil
}

func joinMechs(mechs []string) string {
	out := ""
	for i, m := range mechs {
		if i > 0 {
			out += ","
		}
		out += m
	}
	return out
}

func writeLengthPrefixed(s *Stream, data []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if err := s.WriteAll(hdr[:]); err != nil {
		return err
	}
	return s.WriteAll(data)
}

func readLengthPrefixedBounded(s *Stream, max int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(s, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > uint32(max) {
		return nil, fmt.Errorf("transport: sasl blob of %d bytes exceeds bound %d", n, max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
