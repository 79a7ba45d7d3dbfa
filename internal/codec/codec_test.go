package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAEAD_RoundTrip(t *testing.T) {
	req := require.New(t)
	c, err := NewAEAD("correct horse battery staple")
	req.NoError(err)

	stored, err := c.Encode([]byte("hello bob"))
	req.NoError(err)
	req.False(bytes.Contains(stored, []byte("hello bob")))

	plain, err := c.Decode(stored)
	req.NoError(err)
	req.Equal("hello bob", string(plain))
}

func TestAEAD_Nonce_Is_Random(t *testing.T) {
	req := require.New(t)
	c, err := NewAEAD("secret")
	req.NoError(err)

	a, err := c.Encode([]byte("same"))
	req.NoError(err)
	b, err := c.Encode([]byte("same"))
	req.NoError(err)
	req.NotEqual(a, b)
}

func TestAEAD_Rejects_Tampering_And_Wrong_Key(t *testing.T) {
	req := require.New(t)
	c, err := NewAEAD("secret")
	req.NoError(err)
	other, err := NewAEAD("another secret")
	req.NoError(err)

	stored, err := c.Encode([]byte("payload"))
	req.NoError(err)

	_, err = other.Decode(stored)
	req.ErrorIs(err, ErrCiphertext)

	stored[len(stored)-1] ^= 0xff
	_, err = c.Decode(stored)
	req.ErrorIs(err, ErrCiphertext)

	_, err = c.Decode([]byte("short"))
	req.Error(err)
}

func TestFromSecret(t *testing.T) {
	req := require.New(t)

	plain, err := FromSecret("")
	req.NoError(err)
	req.Equal("plain", plain.Name())
	out, err := plain.Encode([]byte("x"))
	req.NoError(err)
	req.Equal([]byte("x"), out)

	enc, err := FromSecret("k")
	req.NoError(err)
	req.Equal("xchacha20poly1305", enc.Name())

	_, err = NewAEAD("")
	req.Error(err)
}
