package melda

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParseJSON(t *testing.T, raw string) Value {
	t.Helper()
	v, err := ParseJSON([]byte(raw))
	require.NoError(t, err)
	return v
}

func TestCanonicalSortsKeysAndStripsWhitespace(t *testing.T) {
	v := mustParseJSON(t, `{ "b": 1, "a": { "d": true, "c": null } }`)
	assert.Equal(t, `{"a":{"c":null,"d":true},"b":1}`, string(MarshalCanonical(v)))
}

func TestCanonicalNumbers(t *testing.T) {
	assert.Equal(t, `1`, string(MarshalCanonical(Number(1.0))))
	assert.Equal(t, `-3`, string(MarshalCanonical(Number(-3))))
	assert.Equal(t, `0.5`, string(MarshalCanonical(Number(0.5))))
	assert.Equal(t, `[0,1.25]`, string(MarshalCanonical(Array(Number(0), Number(1.25)))))
}

func TestCanonicalStringsNoHTMLEscape(t *testing.T) {
	v := Object(map[string]Value{"s": String(`a<b>&"quote"`)})
	assert.Equal(t, `{"s":"a<b>&\"quote\""}`, string(MarshalCanonical(v)))
}

func TestCanonicalInsensitiveToInsertionOrder(t *testing.T) {
	a := mustParseJSON(t, `{"x":1,"y":[1,2],"z":{"k":"v"}}`)
	b := mustParseJSON(t, `{"z":{"k":"v"},"y":[1,2],"x":1}`)
	assert.Equal(t, MarshalCanonical(a), MarshalCanonical(b))
	assert.Equal(t, HashContent(a), HashContent(b))
}

func TestHashDomainsAreDisjoint(t *testing.T) {
	data := []byte(`{"a":1}`)
	content := HashBytes(data)
	delta := HashDeltaBlock(data)
	pack := HashPack(data)
	assert.NotEqual(t, content, delta)
	assert.NotEqual(t, content, pack)
	assert.NotEqual(t, delta, pack)
}

func TestTombstoneDigest(t *testing.T) {
	d := tombstoneDigest("abc123")
	assert.True(t, isTombstoneDigest(d))
	assert.Equal(t, d, tombstoneDigest("abc123"), "must be stable across calls")
	assert.NotEqual(t, d, tombstoneDigest("abc124"))
	assert.False(t, isTombstoneDigest(HashContent(EmptyObject())))
}
