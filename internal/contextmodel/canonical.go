package contextmodel

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/tidwall/gjson"
)

// Canonicalize produces a bit-for-bit stable textual form of a JSON
// content payload: object keys are sorted recursively, arrays keep their
// order, strings are re-encoded through encoding/json, and numbers are
// formatted with strconv's shortest round-trip representation. Two
// byte-different but semantically identical JSON documents (e.g. with
// keys reordered) canonicalize to the same bytes, which is what makes
// the resulting digest usable as a content checksum.
func Canonicalize(content json.RawMessage) ([]byte, error) {
	raw := content
	if len(raw) == 0 {
		raw = []byte("null")
	}
	if !gjson.ValidBytes(raw) {
		return nil, errf("content is not valid JSON")
	}

	var buf bytes.Buffer
	writeCanonical(&buf, gjson.ParseBytes(raw))
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v gjson.Result) {
	switch {
	case v.Type == gjson.Null:
		buf.WriteString("null")
	case v.Type == gjson.False:
		buf.WriteString("false")
	case v.Type == gjson.True:
		buf.WriteString("true")
	case v.Type == gjson.Number:
		buf.WriteString(strconv.FormatFloat(v.Num, 'g', -1, 64))
	case v.Type == gjson.String:
		encodeJSONString(buf, v.Str)
	case v.IsArray():
		buf.WriteByte('[')
		first := true
		v.ForEach(func(_, val gjson.Result) bool {
			if !first {
				buf.WriteByte(',')
			}
			first = false
			writeCanonical(buf, val)
			return true
		})
		buf.WriteByte(']')
	case v.IsObject():
		type kv struct {
			key string
			val gjson.Result
		}
		var items []kv
		v.ForEach(func(key, val gjson.Result) bool {
			items = append(items, kv{key.String(), val})
			return true
		})
		sort.Slice(items, func(i, j int) bool { return items[i].key < items[j].key })

		buf.WriteByte('{')
		for i, it := range items {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeJSONString(buf, it.key)
			buf.WriteByte(':')
			writeCanonical(buf, it.val)
		}
		buf.WriteByte('}')
	default:
		buf.WriteString("null")
	}
}

func encodeJSONString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}

// Digest returns the SHA-256 hex digest of data. This is the single
// cryptographic hash used throughout the engine for content checksums
// and compressed-payload verification.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
