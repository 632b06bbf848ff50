package rtp

import (
	"crypto/aes"
	"crypto/cipher"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/secretbox"
)

// Mode names, exactly as the voice server sends/expects them on the wire.
const (
	ModeXSalsa20Poly1305        = "xsalsa20_poly1305"
	ModeAEADAES256GCMRTPSize    = "aead_aes256_gcm_rtpsize"
	ModeAEADXChaCha20Poly1305RTPSize = "aead_xchacha20_poly1305_rtpsize"
)

// ErrDecryptFailed is returned when the AEAD tag fails to verify.
var ErrDecryptFailed = errors.New("rtp: decryption failed")

// ErrNonceExhausted is returned once the 32-bit nonce counter of an
// *_rtpsize mode would wrap; the caller must close the session rather than
// reuse a nonce.
var ErrNonceExhausted = errors.New("rtp: nonce counter exhausted, session must be closed")

// SupportedModes lists the modes this client offers in SELECT_PROTOCOL, in
// preference order (most modern first). The server's choice is
// authoritative; nothing downstream assumes which one comes back.
func SupportedModes() []string {
	return []string{
		ModeAEADAES256GCMRTPSize,
		ModeAEADXChaCha20Poly1305RTPSize,
		ModeXSalsa20Poly1305,
	}
}

// Codec encrypts/decrypts Opus payloads for a single negotiated mode and
// secret key. A Codec is safe only for one encode stream and one decode
// stream used independently; it is not safe for concurrent Encode calls
// among themselves (matches the teacher's udp.Connection, which is
// documented as not thread-safe).
type Codec interface {
	// Mode returns the negotiated mode name.
	Mode() string
	// Encode seals plaintext (an Opus frame) under the given header,
	// returning header||ciphertext[||counter].
	Encode(h Header, plaintext []byte) ([]byte, error)
	// Decode opens body, the ciphertext[||counter] that follows header h
	// in a received packet, returning the plaintext Opus frame.
	Decode(h Header, body []byte) ([]byte, error)
}

// NewCodec builds the Codec for the given server-chosen mode and secret
// key. It never guesses the mode: callers must pass exactly what
// SessionDescription.Mode said.
func NewCodec(mode string, secret [32]byte) (Codec, error) {
	switch mode {
	case ModeXSalsa20Poly1305:
		return &legacyCodec{secret: secret}, nil
	case ModeAEADAES256GCMRTPSize:
		return newAESGCMCodec(secret)
	case ModeAEADXChaCha20Poly1305RTPSize:
		return newXChaChaCodec(secret)
	default:
		return nil, errors.Errorf("rtp: unsupported encryption mode %q", mode)
	}
}

// --- legacy xsalsa20_poly1305, grounded on voice/udp/connection.go ---

type legacyCodec struct {
	secret [32]byte
}

func (c *legacyCodec) Mode() string { return ModeXSalsa20Poly1305 }

func (c *legacyCodec) Encode(h Header, plaintext []byte) ([]byte, error) {
	nonce := LegacyNonce(h)
	return secretbox.Seal(append([]byte{}, h[:]...), plaintext, &nonce, &c.secret), nil
}

func (c *legacyCodec) Decode(h Header, body []byte) ([]byte, error) {
	nonce := LegacyNonce(h)
	opened, ok := secretbox.Open(nil, body, &nonce, &c.secret)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return opened, nil
}

// --- aead_aes256_gcm_rtpsize ---

type aesGCMCodec struct {
	aead    cipher.AEAD
	counter uint32 // next counter to use for Encode; atomic
}

func newAESGCMCodec(secret [32]byte) (*aesGCMCodec, error) {
	block, err := aes.NewCipher(secret[:])
	if err != nil {
		return nil, errors.Wrap(err, "failed to create AES cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create AES-GCM AEAD")
	}
	return &aesGCMCodec{aead: aead}, nil
}

func (c *aesGCMCodec) Mode() string { return ModeAEADAES256GCMRTPSize }

func (c *aesGCMCodec) Encode(h Header, plaintext []byte) ([]byte, error) {
	next := atomic.AddUint32(&c.counter, 1) - 1
	if next == ^uint32(0) {
		return nil, ErrNonceExhausted
	}

	nonce := counterNonceGCM(next)
	sealed := c.aead.Seal(append([]byte{}, h[:]...), nonce[:], plaintext, h[:])
	return appendCounter(sealed, next), nil
}

func (c *aesGCMCodec) Decode(h Header, body []byte) ([]byte, error) {
	ciphertext, counter, ok := readTrailingCounter(body)
	if !ok {
		return nil, ErrDecryptFailed
	}

	nonce := counterNonceGCM(counter)
	opened, err := c.aead.Open(nil, nonce[:], ciphertext, h[:])
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return opened, nil
}

// --- aead_xchacha20_poly1305_rtpsize ---

type xchachaCodec struct {
	aead    cipher.AEAD
	counter uint32
}

func newXChaChaCodec(secret [32]byte) (*xchachaCodec, error) {
	aead, err := chacha20poly1305.NewX(secret[:])
	if err != nil {
		return nil, errors.Wrap(err, "failed to create XChaCha20-Poly1305 AEAD")
	}
	return &xchachaCodec{aead: aead}, nil
}

func (c *xchachaCodec) Mode() string { return ModeAEADXChaCha20Poly1305RTPSize }

func (c *xchachaCodec) Encode(h Header, plaintext []byte) ([]byte, error) {
	next := atomic.AddUint32(&c.counter, 1) - 1
	if next == ^uint32(0) {
		return nil, ErrNonceExhausted
	}

	nonce := counterNonceXChaCha(next)
	sealed := c.aead.Seal(append([]byte{}, h[:]...), nonce[:], plaintext, h[:])
	return appendCounter(sealed, next), nil
}

func (c *xchachaCodec) Decode(h Header, body []byte) ([]byte, error) {
	ciphertext, counter, ok := readTrailingCounter(body)
	if !ok {
		return nil, ErrDecryptFailed
	}

	nonce := counterNonceXChaCha(counter)
	opened, err := c.aead.Open(nil, nonce[:], ciphertext, h[:])
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return opened, nil
}
