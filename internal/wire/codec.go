package wire

import (
	"bufio"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/minio/sha256-simd"
	"github.com/multiformats/go-varint"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// MaxFrameBytes bounds a single stream frame.
	MaxFrameBytes = 16 << 20
	// MaxDatagramBytes bounds a single discovery datagram.
	MaxDatagramBytes = 64 << 10

	// KeyInfo is the HKDF-SHA256 info string; no salt is used.
	KeyInfo = "pmesh-v1"
)

var (
	ErrFrameTooLarge   = errors.New("frame too large")
	ErrUnauthenticated = errors.New("message failed authentication")
)

// Sealer encrypts and authenticates message bodies with a key derived from
// the mesh secret. A nil Sealer passes bodies through unchanged.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the wire key from secret. An empty secret yields a nil
// Sealer (plain mode).
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, nil
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(KeyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal returns nonce || ciphertext.
func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	if s == nil {
		return plain, nil
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plain, nil), nil
}

func (s *Sealer) Open(body []byte) ([]byte, error) {
	if s == nil {
		return body, nil
	}
	ns := s.aead.NonceSize()
	if len(body) < ns+s.aead.Overhead() {
		return nil, ErrUnauthenticated
	}
	plain, err := s.aead.Open(nil, body[:ns], body[ns:], nil)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	return plain, nil
}

// Marshal encodes and seals m.
func Marshal(m *Message, s *Sealer) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return s.Seal(b)
}

// Unmarshal opens, decodes and validates body.
func Unmarshal(body []byte, s *Sealer) (Message, error) {
	plain, err := s.Open(body)
	if err != nil {
		return Message{}, err
	}
	var m Message
	if err := json.Unmarshal(plain, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// EncodeDatagram produces one discovery packet.
func EncodeDatagram(m *Message, s *Sealer) ([]byte, error) {
	b, err := Marshal(m, s)
	if err != nil {
		return nil, err
	}
	if len(b) > MaxDatagramBytes {
		return nil, ErrFrameTooLarge
	}
	return b, nil
}

func DecodeDatagram(b []byte, s *Sealer) (Message, error) {
	if len(b) > MaxDatagramBytes {
		return Message{}, ErrFrameTooLarge
	}
	return Unmarshal(b, s)
}

// Codec reads and writes uvarint length-prefixed messages on a stream.
type Codec struct {
	r      *bufio.Reader
	w      io.Writer
	sealer *Sealer
	mu     sync.Mutex
}

func NewCodec(rw io.ReadWriter, s *Sealer) *Codec {
	return &Codec{r: bufio.NewReader(rw), w: rw, sealer: s}
}

func (c *Codec) Encode(m *Message) error {
	body, err := Marshal(m, c.sealer)
	if err != nil {
		return err
	}
	if len(body) > MaxFrameBytes {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	frame := append(varint.ToUvarint(uint64(len(body))), body...)

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.w.Write(frame)
	return err
}

func (c *Codec) Decode() (Message, error) {
	size, err := varint.ReadUvarint(c.r)
	if err != nil {
		return Message{}, err
	}
	if size == 0 || size > MaxFrameBytes {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return Message{}, err
	}
	return Unmarshal(body, c.sealer)
}
