// Package codec is the JSON mapping shared by mtlsclient proxies. It is
// tolerant of the payloads real services send: unknown fields are ignored,
// empty strings and empty arrays are treated as absent, and nil fields are
// left out on the way out via `omitempty` tags on the caller's types.
package codec

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// ContentType is sent and expected by JSON calls.
const ContentType = "application/json"

// Marshal encodes v.
func Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal %T: %w", v, err)
	}
	return b, nil
}

// Unmarshal decodes data into v. Object members holding "" or [] are dropped
// before decoding so the corresponding Go fields keep their zero value
// (nil pointers and nil slices stay nil).
func Unmarshal(data []byte, v any) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	var tree any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&tree); err != nil {
		return fmt.Errorf("codec: decode: %w", err)
	}
	pruned, err := json.Marshal(Prune(tree))
	if err != nil {
		return fmt.Errorf("codec: re-encode: %w", err)
	}
	if err := json.Unmarshal(pruned, v); err != nil {
		return fmt.Errorf("codec: unmarshal into %T: %w", v, err)
	}
	return nil
}

// Prune removes empty-string and empty-array members from every object in a
// decoded JSON tree. Array elements are kept as they are positional.
func Prune(node any) any {
	switch n := node.(type) {
	case map[string]any:
		for k, child := range n {
			if isEmpty(child) {
				delete(n, k)
				continue
			}
			n[k] = Prune(child)
		}
		return n
	case []any:
		for i, child := range n {
			n[i] = Prune(child)
		}
		return n
	default:
		return node
	}
}

func isEmpty(v any) bool {
	switch v := v.(type) {
	case string:
		return v == ""
	case []any:
		return len(v) == 0
	}
	return false
}
