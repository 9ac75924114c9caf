package tls

import (
	"bufio"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/flynn/noise"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	pskPrologue = "blockgate-psk/1"
	pskInfo     = "blockgate psk key"
	pskConfirm  = "blockgate-psk-confirm"

	// maxRecordSize is the largest frame the 2-byte length prefix allows.
	maxRecordSize    = 0xffff
	maxPlaintextSize = maxRecordSize - chacha20poly1305.Overhead
)

var pskCipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// PSKCredentials maps usernames to derived session keys.
type PSKCredentials struct {
	File string
	keys map[string][]byte
}

// LoadPSKFile reads a key file of username:hexkey lines. Blank lines and
// lines starting with # are ignored.
func LoadPSKFile(path string) (*PSKCredentials, error) {
	// #nosec G304 -- operator-configured PSK path
	f, err := os.Open(path)
	if err != nil {
		return nil, NewPSKLoadError(path, err)
	}
	defer f.Close()

	keys, err := ParsePSK(f)
	if err != nil {
		return nil, NewPSKLoadError(path, err)
	}
	return &PSKCredentials{File: path, keys: keys}, nil
}

// ParsePSK parses key file content into derived 32-byte keys.
func ParsePSK(r io.Reader) (map[string][]byte, error) {
	keys := make(map[string][]byte)
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		user, hexKey, ok := strings.Cut(text, ":")
		if !ok || user == "" || hexKey == "" {
			return nil, fmt.Errorf("line %d: expected username:hexkey", line)
		}
		raw, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("line %d: key is not hex: %w", line, err)
		}
		if _, dup := keys[user]; dup {
			return nil, fmt.Errorf("line %d: duplicate username %q", line, user)
		}
		key, err := DerivePSK(raw)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		keys[user] = key
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, errors.New("no keys found")
	}
	return keys, nil
}

// DerivePSK turns a key of any length into the 32-byte key the handshake
// mixes in.
func DerivePSK(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty key")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(pskInfo)), key); err != nil {
		return nil, err
	}
	return key, nil
}

// Lookup returns the derived key for username.
func (c *PSKCredentials) Lookup(username string) ([]byte, bool) {
	k, ok := c.keys[username]
	return k, ok
}

// Len is the number of usernames loaded.
func (c *PSKCredentials) Len() int { return len(c.keys) }

func newPSKHandshake(initiator bool, key []byte) (*noise.HandshakeState, error) {
	return noise.NewHandshakeState(noise.Config{
		CipherSuite:           pskCipherSuite,
		Random:                rand.Reader,
		Pattern:               noise.HandshakeNN,
		Initiator:             initiator,
		Prologue:              []byte(pskPrologue),
		PresharedKey:          key,
		PresharedKeyPlacement: 2,
	})
}

// acceptPSK runs the responder side: read the client's username, select its
// key, answer, then require an encrypted confirmation from the client.
func acceptPSK(conn net.Conn, creds *PSKCredentials) (*pskConn, error) {
	hs, err := newPSKHandshake(false, nil)
	if err != nil {
		return nil, NewHandshakeFailureError("psk state", err)
	}

	msg, err := readFrame(conn)
	if err != nil {
		return nil, NewHandshakeFailureError("read client hello", err)
	}
	username, _, _, err := hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, NewHandshakeFailureError("client hello", err)
	}
	key, ok := creds.Lookup(string(username))
	if !ok {
		return nil, NewHandshakeFailureError("unknown PSK username", nil).
			WithContext("username", string(username))
	}
	if err := hs.SetPresharedKey(key); err != nil {
		return nil, NewHandshakeFailureError("psk state", err)
	}

	reply, recvCS, sendCS, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, NewHandshakeFailureError("server hello", err)
	}
	if err := writeFrame(conn, reply); err != nil {
		return nil, NewHandshakeFailureError("write server hello", err)
	}

	pc := newPSKConn(conn, sendCS, recvCS, string(username))
	confirm, err := pc.readRecord()
	if err != nil || string(confirm) != pskConfirm {
		if err == nil {
			err = errors.New("unexpected confirmation payload")
		}
		return nil, NewHandshakeFailureError("key confirmation", err).
			WithContext("username", string(username))
	}
	return pc, nil
}

// DialPSK runs the client side of the PSK handshake over conn. key is the
// raw key from the key file, before derivation.
func DialPSK(conn net.Conn, username string, key []byte) (net.Conn, error) {
	derived, err := DerivePSK(key)
	if err != nil {
		return nil, err
	}
	hs, err := newPSKHandshake(true, derived)
	if err != nil {
		return nil, err
	}

	hello, _, _, err := hs.WriteMessage(nil, []byte(username))
	if err != nil {
		return nil, err
	}
	if err := writeFrame(conn, hello); err != nil {
		return nil, err
	}

	reply, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("read server hello: %w", err)
	}
	_, sendCS, recvCS, err := hs.ReadMessage(nil, reply)
	if err != nil {
		return nil, fmt.Errorf("server hello: %w", err)
	}
	if sendCS == nil || recvCS == nil {
		return nil, errors.New("handshake incomplete")
	}

	pc := newPSKConn(conn, sendCS, recvCS, username)
	if err := pc.writeRecord([]byte(pskConfirm)); err != nil {
		return nil, err
	}
	return pc, nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	buf := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxRecordSize {
		return fmt.Errorf("frame of %d bytes exceeds %d", len(payload), maxRecordSize)
	}
	buf := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(buf, uint16(len(payload)))
	copy(buf[2:], payload)
	_, err := w.Write(buf)
	return err
}

// pskConn is an established PSK session. Each Write is split into
// encrypted records of at most maxPlaintextSize bytes. An empty record is
// the close notification.
type pskConn struct {
	net.Conn
	username string

	rmu     sync.Mutex
	dec     *noise.CipherState
	pending []byte
	rerr    error

	wmu         sync.Mutex
	enc         *noise.CipherState
	closeNotify bool
}

func newPSKConn(conn net.Conn, enc, dec *noise.CipherState, username string) *pskConn {
	return &pskConn{Conn: conn, enc: enc, dec: dec, username: username}
}

func (c *pskConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for len(c.pending) == 0 {
		if c.rerr != nil {
			return 0, c.rerr
		}
		rec, err := c.readRecordLocked()
		if err != nil {
			c.rerr = err
			return 0, err
		}
		if len(rec) == 0 {
			c.rerr = io.EOF
			return 0, io.EOF
		}
		c.pending = rec
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *pskConn) readRecord() ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	return c.readRecordLocked()
}

func (c *pskConn) readRecordLocked() ([]byte, error) {
	frame, err := readFrame(c.Conn)
	if err != nil {
		return nil, err
	}
	out, err := c.dec.Decrypt(nil, nil, frame)
	if err != nil {
		return nil, fmt.Errorf("decrypt record: %w", err)
	}
	return out, nil
}

func (c *pskConn) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := min(len(p), maxPlaintextSize)
		if err := c.writeRecord(p[:n]); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

func (c *pskConn) writeRecord(plaintext []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closeNotify {
		return net.ErrClosed
	}
	ct, err := c.enc.Encrypt(nil, nil, plaintext)
	if err != nil {
		return err
	}
	return writeFrame(c.Conn, ct)
}

// CloseWrite sends the close notification. Further writes fail.
func (c *pskConn) CloseWrite() error {
	if err := c.writeRecord(nil); err != nil {
		return err
	}
	c.wmu.Lock()
	c.closeNotify = true
	c.wmu.Unlock()
	return nil
}

// Close sends the close notification if it was not sent yet, then closes
// the underlying connection.
func (c *pskConn) Close() error {
	c.wmu.Lock()
	sent := c.closeNotify
	c.wmu.Unlock()
	if !sent {
		_ = c.CloseWrite()
	}
	return c.Conn.Close()
}
