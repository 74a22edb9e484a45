package cryptox

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey_Deterministic(t *testing.T) {
	password := []byte("secret-password")
	salt := []byte("fixed-salt")

	key1 := DeriveKey(password, salt)
	key2 := DeriveKey(password, salt)

	assert.True(t, bytes.Equal(key1, key2), "same inputs must derive the same key")
	assert.Len(t, key1, 32)

	other := DeriveKey(password, []byte("other-salt"))
	assert.False(t, bytes.Equal(key1, other), "different salt must change the key")
}

func TestNewCipher_KeyLength(t *testing.T) {
	_, err := NewCipher(make([]byte, 32))
	assert.NoError(t, err)

	_, err = NewCipher(make([]byte, 15))
	assert.Error(t, err)
}

func TestCipher_SealOpenRoundTrip(t *testing.T) {
	c := NewCipherFromPassphrase([]byte("pass"), []byte("salt"))

	type doc struct {
		Version int               `json:"version"`
		Entries map[string]string `json:"entries"`
	}
	in := doc{Version: 3, Entries: map[string]string{"a.txt": "id-1"}}

	payload, err := c.Seal(in)
	require.NoError(t, err)
	require.NotEmpty(t, payload)

	var out doc
	require.NoError(t, c.Open(payload, &out))
	assert.Equal(t, in, out)
}

func TestCipher_OpenWrongKeyFails(t *testing.T) {
	a := NewCipherFromPassphrase([]byte("pass-a"), []byte("salt"))
	b := NewCipherFromPassphrase([]byte("pass-b"), []byte("salt"))

	payload, err := a.Seal(map[string]int{"v": 1})
	require.NoError(t, err)

	var out map[string]int
	assert.Error(t, b.Open(payload, &out))
}

func TestCipher_OpenGarbageFails(t *testing.T) {
	c := NewCipherFromPassphrase([]byte("pass"), []byte("salt"))
	var out map[string]int
	assert.Error(t, c.Open("not-base64!!!", &out))
	assert.Error(t, c.Open("aGVsbG8=", &out))
}
