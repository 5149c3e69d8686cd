package encoding

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_Known(t *testing.T) {
	assert.Equal(t, "YWJjMTIz", Encode("abc123"))
	assert.Equal(t, "QW5FeGNlcHRpb24=", Encode("AnException"))
	assert.Equal(t, "", Encode(""))
}

func TestEncode_LineSafe(t *testing.T) {
	inputs := []string{
		"line\nbreak",
		"carriage\r\nreturn",
		"key: value, key2: value2",
		"[Thread:Crashed]",
		"\x00\x01\x02\x7f",
		"ünïcödé ☃ 日本語",
		strings.Repeat("x", 4096),
	}

	for _, in := range inputs {
		token := Encode(in)
		assert.NotContains(t, token, "\n")
		assert.NotContains(t, token, "\r")
		assert.NotContains(t, token, ",")
		assert.NotContains(t, token, ":")
		assert.NotContains(t, token, " ")

		out, err := Decode(token)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestEncode_Injective(t *testing.T) {
	seen := make(map[string]string)
	inputs := []string{"a", "a\n", "a\r", "a,", "", " ", "\n", "a\x00", "ab"}
	for _, in := range inputs {
		token := Encode(in)
		if prev, ok := seen[token]; ok {
			t.Fatalf("inputs %q and %q share token %q", prev, in, token)
		}
		seen[token] = in
	}
}

func TestAppend_NoAllocWithCapacity(t *testing.T) {
	buf := make([]byte, 0, 256)
	s := "something bad happened"

	allocs := testing.AllocsPerRun(100, func() {
		buf = Append(buf[:0], s)
	})

	assert.Zero(t, allocs)
	assert.Equal(t, Encode(s), string(buf))
	assert.Equal(t, len(buf), EncodedLen(len(s)))
}

func TestAppendBytes(t *testing.T) {
	out := AppendBytes([]byte("prefix:"), []byte{0xff, 0x00})
	assert.Equal(t, "prefix:/wA=", string(out))
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode("not base64!")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding token")
}
