package rtp

import "encoding/binary"

// NonceSize24 is the nonce length nacl/secretbox requires for the legacy
// xsalsa20_poly1305 mode.
const NonceSize24 = 24

// LegacyNonce zero-pads the 12-byte RTP header out to the 24-byte nonce
// nacl/secretbox expects, exactly as this module's teacher does in
// voice/udp/connection.go.
func LegacyNonce(h Header) [NonceSize24]byte {
	var n [NonceSize24]byte
	copy(n[:HeaderSize], h[:])
	return n
}

// CounterNonceSize is the length of the unencrypted trailing counter the
// two *_rtpsize AEAD modes append after the ciphertext+tag.
const CounterNonceSize = 4

// AEADNonceSizeGCM is the 12-byte nonce aead_aes256_gcm_rtpsize derives
// from a monotonic counter (the counter occupies the low bytes,
// zero-padded above it).
const AEADNonceSizeGCM = 12

// AEADNonceSizeXChaCha is the 24-byte nonce XChaCha20-Poly1305 requires.
const AEADNonceSizeXChaCha = 24

// counterNonceGCM builds the 12-byte AES-GCM nonce from the 32-bit counter,
// left-padded with zeros, per the rtpsize modes' documented layout.
func counterNonceGCM(counter uint32) [AEADNonceSizeGCM]byte {
	var n [AEADNonceSizeGCM]byte
	binary.BigEndian.PutUint32(n[AEADNonceSizeGCM-CounterNonceSize:], counter)
	return n
}

// counterNonceXChaCha builds the 24-byte XChaCha20-Poly1305 nonce the same
// way: the 32-bit counter right-justified in an otherwise zero buffer.
func counterNonceXChaCha(counter uint32) [AEADNonceSizeXChaCha]byte {
	var n [AEADNonceSizeXChaCha]byte
	binary.BigEndian.PutUint32(n[AEADNonceSizeXChaCha-CounterNonceSize:], counter)
	return n
}

// appendCounter appends the unencrypted 32-bit counter after the
// ciphertext+tag, as both rtpsize AEAD modes require.
func appendCounter(dst []byte, counter uint32) []byte {
	var c [CounterNonceSize]byte
	binary.BigEndian.PutUint32(c[:], counter)
	return append(dst, c[:]...)
}

// readTrailingCounter reads the last 4 bytes of b as the big-endian nonce
// counter, returning the ciphertext with the counter stripped.
func readTrailingCounter(b []byte) (ciphertext []byte, counter uint32, ok bool) {
	if len(b) < CounterNonceSize {
		return nil, 0, false
	}
	split := len(b) - CounterNonceSize
	counter = binary.BigEndian.Uint32(b[split:])
	return b[:split], counter, true
}
