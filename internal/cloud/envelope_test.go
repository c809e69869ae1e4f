package cloud

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/pagesync-go/internal/commitgraph"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestCodecSealOpenRoundTrip(t *testing.T) {
	codec, err := NewCodec(testKey())
	require.NoError(t, err)

	commits := []commitgraph.Commit{
		{ID: "c1", Key: "doc", Payload: []byte("v1"), CreatedAt: 100},
		{ID: "c2", Parents: []string{"c1"}, Key: "doc", Payload: []byte("v2"), CreatedAt: 200},
	}

	env, err := codec.Seal(commits)
	require.NoError(t, err)

	assert.Equal(t, []string{"c1", "c2"}, env.CommitIDs, "manifest must stay plaintext")
	assert.NotContains(t, string(env.Ciphertext), "v1", "payload must not leak into ciphertext")

	got, err := codec.Open(env)
	require.NoError(t, err)
	assert.Equal(t, commits, got)
}

func TestCodecRejectsBadKeyLength(t *testing.T) {
	_, err := NewCodec([]byte("short"))
	assert.Error(t, err)
}

func TestCodecOpenRejectsTamperedCiphertext(t *testing.T) {
	codec, err := NewCodec(testKey())
	require.NoError(t, err)

	env, err := codec.Seal([]commitgraph.Commit{{ID: "c1", Key: "doc"}})
	require.NoError(t, err)

	env.Ciphertext[0] ^= 0xff

	_, err = codec.Open(env)
	require.Error(t, err)
	assert.False(t, IsTemporary(err), "tampered ciphertext never heals on retry")
}

func TestCodecOpenRejectsBadNonceLength(t *testing.T) {
	codec, err := NewCodec(testKey())
	require.NoError(t, err)

	env, err := codec.Seal([]commitgraph.Commit{{ID: "c1", Key: "doc"}})
	require.NoError(t, err)

	// A corrupt or hostile envelope must surface as an error, never a
	// panic reaching the download goroutine.
	for _, nonce := range [][]byte{nil, {0x01, 0x02}, bytes.Repeat([]byte{0x01}, 64)} {
		bad := *env
		bad.Nonce = nonce

		_, err := codec.Open(&bad)
		require.Error(t, err, "nonce length %d", len(nonce))
		assert.False(t, IsTemporary(err))
	}
}

func TestCodecOpenRejectsWrongKey(t *testing.T) {
	sealer, err := NewCodec(testKey())
	require.NoError(t, err)

	opener, err := NewCodec(bytes.Repeat([]byte{0x43}, 32))
	require.NoError(t, err)

	env, err := sealer.Seal([]commitgraph.Commit{{ID: "c1", Key: "doc"}})
	require.NoError(t, err)

	_, err = opener.Open(env)
	assert.Error(t, err)
}
