package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/ulikunitz/xz"
	"golang.org/x/crypto/chacha20"
)

// compressThreshold is the body length above which compression is attempted.
// Smaller bodies are never compressed since the container overhead would
// outweigh any gain.
const compressThreshold = 256

// Codec turns message bodies into wire packets and back. Header, key and
// nonce are fixed at construction; two peers must use equal values to
// understand each other.
type Codec struct {
	header []byte
	key    []byte
	nonce  []byte
}

// NewCodec creates a Codec for the given header filter bytes and ChaCha20
// key/nonce pair.
func NewCodec(header, key, nonce []byte) (c *Codec, err error) {
	if len(header) == 0 {
		err = multierror.Append(err, fmt.Errorf("header must not be empty"))
	}
	if len(key) != chacha20.KeySize {
		err = multierror.Append(err, fmt.Errorf("key must be %d bytes, not %d", chacha20.KeySize, len(key)))
	}
	if len(nonce) != chacha20.NonceSize {
		err = multierror.Append(err, fmt.Errorf("nonce must be %d bytes, not %d", chacha20.NonceSize, len(nonce)))
	}

	if err == nil {
		c = &Codec{
			header: append([]byte(nil), header...),
			key:    append([]byte(nil), key...),
			nonce:  append([]byte(nil), nonce...),
		}
	}
	return
}

// HeaderLen returns the length of the header filter prefix.
func (c *Codec) HeaderLen() int {
	return len(c.header)
}

// Encode wraps a message body of the given kind into a wire packet:
// compression for larger bodies if it actually shrinks them, the type byte,
// the cipher and finally the header prefix.
func (c *Codec) Encode(kind uint8, body []byte) ([]byte, error) {
	if !ValidKind(kind) || kind&^kindMask != 0 {
		return nil, fmt.Errorf("invalid message kind %#02x", kind)
	}

	if len(body) > compressThreshold {
		if compressed, err := compress(body); err == nil && len(compressed) < len(body) {
			body = compressed
			kind |= FlagCompressed
		}
	}

	block := make([]byte, 1+len(body))
	block[0] = kind
	copy(block[1:], body)

	cipher, err := chacha20.NewUnauthenticatedCipher(c.key, c.nonce)
	if err != nil {
		return nil, err
	}
	cipher.XORKeyStream(block, block)

	return append(append([]byte(nil), c.header...), block...), nil
}

// Decode unwraps a wire packet into its kind and message body. Packets not
// starting with the configured header, or with a malformed interior, result
// in an error and must be treated as foreign traffic.
func (c *Codec) Decode(pkt []byte) (kind uint8, body []byte, err error) {
	if len(pkt) <= len(c.header) {
		err = fmt.Errorf("packet of %d bytes is too short", len(pkt))
		return
	}
	if !bytes.Equal(pkt[:len(c.header)], c.header) {
		err = fmt.Errorf("packet does not start with the expected header")
		return
	}

	block := make([]byte, len(pkt)-len(c.header))
	cipher, cipherErr := chacha20.NewUnauthenticatedCipher(c.key, c.nonce)
	if cipherErr != nil {
		err = cipherErr
		return
	}
	cipher.XORKeyStream(block, pkt[len(c.header):])

	kind = block[0]
	body = block[1:]

	if !ValidKind(kind) || kind&^(kindMask|FlagCompressed) != 0 {
		err = fmt.Errorf("decrypted type byte %#02x is no known kind", kind)
		return
	}

	if kind&FlagCompressed != 0 {
		kind &^= FlagCompressed
		if body, err = decompress(body); err != nil {
			err = fmt.Errorf("decompression failed: %w", err)
			return
		}
	}

	return
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	return io.ReadAll(r)
}
