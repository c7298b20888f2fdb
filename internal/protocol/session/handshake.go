package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/spine/internal/protocol/frame"
	"github.com/danmuck/spine/internal/protocol/schema"
	"github.com/danmuck/spine/internal/protocol/tlv"
	"github.com/zeebo/blake3"
)

const (
	nonceSize = 32
	macSize   = 32

	keyContext = "danmuck/spine 2026 shared-secret handshake v1"
	proofLabel = "spine proof v1"
)

var (
	ErrAuthFailed       = errors.New("session: peer failed authentication")
	ErrInvalidHandshake = errors.New("session: invalid handshake message")
)

// Peer is what the handshake learns about the remote side.
type Peer struct {
	ProcessID string
}

// Handshake runs the symmetric shared-secret challenge on a fresh connection.
//
// Each side sends hello{process_id, nonce}, then proves knowledge of the
// secret with proof{mac}. The mac is a keyed BLAKE3 over the prover id, the
// verifier id and both nonces, so a proof only verifies for the side that
// made it, on the exchange it was made for. A peer claiming the local
// process id is rejected.
//
// Writes run on a background goroutine so unbuffered transports (net.Pipe)
// do not deadlock when both sides write first. The caller sets deadlines.
func Handshake(r io.Reader, w io.Writer, secret, localID string) (Peer, error) {
	if strings.TrimSpace(secret) == "" {
		return Peer{}, ErrSecretRequired
	}
	key := deriveKey(secret)

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Peer{}, fmt.Errorf("session: generate nonce: %w", err)
	}

	writeErr := make(chan error, 1)
	proofToSend := make(chan []byte, 1)
	go func() {
		hello := []tlv.Field{
			tlv.String(schema.FieldProcessID, localID),
			tlv.Bytes(schema.FieldNonce, nonce),
		}
		if err := writeControl(w, schema.MsgHello, hello); err != nil {
			writeErr <- fmt.Errorf("session: send hello: %w", err)
			return
		}
		mac, ok := <-proofToSend
		if !ok {
			writeErr <- nil
			return
		}
		if err := writeControl(w, schema.MsgProof, []tlv.Field{tlv.Bytes(schema.FieldMAC, mac)}); err != nil {
			writeErr <- fmt.Errorf("session: send proof: %w", err)
			return
		}
		writeErr <- nil
	}()

	peerHello, err := readControl(r, schema.MsgHello)
	if err != nil {
		close(proofToSend)
		return Peer{}, err
	}
	peerID := tlv.GetString(peerHello, schema.FieldProcessID)
	peerNonce := tlv.GetBytes(peerHello, schema.FieldNonce)
	if len(peerNonce) != nonceSize || strings.TrimSpace(peerID) == "" {
		close(proofToSend)
		return Peer{}, fmt.Errorf("%w: bad hello", ErrInvalidHandshake)
	}
	if peerID == localID {
		close(proofToSend)
		return Peer{}, fmt.Errorf("%w: peer claims local process_id=%q", ErrInvalidHandshake, peerID)
	}

	proofToSend <- computeMAC(key, localID, peerID, peerNonce, nonce)

	peerProof, err := readControl(r, schema.MsgProof)
	if err != nil {
		return Peer{}, err
	}
	if err := <-writeErr; err != nil {
		return Peer{}, err
	}

	want := computeMAC(key, peerID, localID, nonce, peerNonce)
	got := tlv.GetBytes(peerProof, schema.FieldMAC)
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return Peer{}, fmt.Errorf("%w: process_id=%q", ErrAuthFailed, peerID)
	}
	return Peer{ProcessID: peerID}, nil
}

func deriveKey(secret string) []byte {
	key := make([]byte, 32)
	blake3.DeriveKey(keyContext, []byte(secret), key)
	return key
}

// computeMAC is the proof prover sends to verifier after verifier challenged
// it with verifierNonce.
func computeMAC(key []byte, prover, verifier string, verifierNonce, proverNonce []byte) []byte {
	h, err := blake3.NewKeyed(key)
	if err != nil {
		// key is always 32 bytes from deriveKey
		panic("session: keyed hasher: " + err.Error())
	}
	msg := make([]byte, 0, len(proofLabel)+4+len(prover)+len(verifier)+2*nonceSize)
	msg = append(msg, proofLabel...)
	msg = binary.BigEndian.AppendUint16(msg, uint16(len(prover)))
	msg = append(msg, prover...)
	msg = binary.BigEndian.AppendUint16(msg, uint16(len(verifier)))
	msg = append(msg, verifier...)
	msg = append(msg, verifierNonce...)
	msg = append(msg, proverNonce...)
	_, _ = h.Write(msg)
	return h.Sum(make([]byte, 0, macSize))
}

func writeControl(w io.Writer, messageType uint32, fields []tlv.Field) error {
	if err := schema.Validate(messageType, fields); err != nil {
		return err
	}
	return frame.WriteFrame(w, frame.New(messageType, 0, tlv.EncodeFields(fields)), frame.DefaultLimits())
}

func readControl(r io.Reader, want uint32) ([]tlv.Field, error) {
	f, err := frame.ReadFrame(r, frame.Limits{MaxPayloadBytes: 4 * 1024})
	if err != nil {
		return nil, fmt.Errorf("session: read %s: %w", schema.Name(want), err)
	}
	if f.Header.MessageType != want {
		return nil, fmt.Errorf("%w: got %s want %s", ErrInvalidHandshake, schema.Name(f.Header.MessageType), schema.Name(want))
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}
	if err := schema.Validate(want, fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}
	return fields, nil
}
