package melda

import (
	"bytes"
	"encoding/json"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical renders v as canonical JSON: object keys sorted
// lexicographically, no insignificant whitespace, numbers in shortest
// round-tripping form, and strings NFC-normalized with HTML escaping
// disabled. Digest equality over this encoding must imply semantic
// equality of the underlying JSON value; this is the one
// serialization used for both content hashing and delta-block hashing.
func MarshalCanonical(v Value) []byte {
	var buf bytes.Buffer
	appendCanonical(&buf, v)
	return buf.Bytes()
}

func appendCanonical(buf *bytes.Buffer, v Value) {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindNumber:
		buf.Write(canonicalNumber(v.n))
	case KindString:
		appendCanonicalString(buf, v.s)
	case KindArray:
		buf.WriteByte('[')
		for i, e := range v.a {
			if i > 0 {
				buf.WriteByte(',')
			}
			appendCanonical(buf, e)
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		keys := v.SortedKeys()
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			appendCanonicalString(buf, k)
			buf.WriteByte(':')
			appendCanonical(buf, v.o[k])
		}
		buf.WriteByte('}')
	}
}

// canonicalNumber formats f in the shortest form that round-trips back to
// f, preferring plain integer notation when f has no fractional part.
func canonicalNumber(f float64) []byte {
	if f == float64(int64(f)) {
		return strconv.AppendInt(nil, int64(f), 10)
	}
	return strconv.AppendFloat(nil, f, 'g', -1, 64)
}

// appendCanonicalString writes s as a canonical JSON string: NFC
// normalized, with HTML-unsafe characters left unescaped (this is a
// library, not a browser payload). Escaped are the JSON-mandated control
// characters, backslash and quote, plus U+2028 and U+2029, which
// encoding/json escapes unconditionally.
func appendCanonicalString(buf *bytes.Buffer, s string) {
	normalized := norm.NFC.String(s)
	var enc bytes.Buffer
	encoder := json.NewEncoder(&enc)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(normalized)
	out := enc.Bytes()
	if n := len(out); n > 0 && out[n-1] == '\n' {
		out = out[:n-1]
	}
	buf.Write(out)
}
