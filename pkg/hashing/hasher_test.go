package hashing

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDigestMatchesStream(t *testing.T) {
	h := NewSHA256()
	payload := bytes.Repeat([]byte("evidence-bytes-"), 10000) // spans several chunks

	direct := h.Digest(payload)
	streamed, err := h.DigestStream(bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, direct, streamed, "streaming and in-memory digests must be byte-identical")
}

func TestDigestKnownVector(t *testing.T) {
	h := NewSHA256()
	// sha256("abc")
	require.Equal(t,
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		h.Digest([]byte("abc")))
}

func TestDigestEmpty(t *testing.T) {
	h := NewSHA256()
	require.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		h.Digest(nil))

	streamed, err := h.DigestStream(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, h.Digest(nil), streamed)
}

type failingReader struct {
	data []byte
	read bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.read {
		r.read = true
		return copy(p, r.data), nil
	}
	return 0, errors.New("file vanished mid-read")
}

func TestDigestStreamUnreadableSource(t *testing.T) {
	h := NewSHA256()
	digest, err := h.DigestStream(&failingReader{data: []byte("partial")})
	require.Empty(t, digest, "no partial digest on read failure")

	var unreadable *UnreadableSourceError
	require.ErrorAs(t, err, &unreadable)
}

func TestDigestStreamSingleBitFlip(t *testing.T) {
	h := NewSHA256()
	payload := []byte("original capture bytes")
	mutated := append([]byte(nil), payload...)
	mutated[3] ^= 0x01

	a, err := h.DigestStream(bytes.NewReader(payload))
	require.NoError(t, err)
	b, err := h.DigestStream(bytes.NewReader(mutated))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestIsHexDigest(t *testing.T) {
	h := NewSHA256()
	require.True(t, IsHexDigest(h.Digest([]byte("x"))))
	require.False(t, IsHexDigest("ABC"))
	require.False(t, IsHexDigest(strings.Repeat("g", 64)))
	require.False(t, IsHexDigest(strings.Repeat("a", 63)))
}

var _ io.Reader = (*failingReader)(nil)
