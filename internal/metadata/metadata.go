// Package metadata reads and writes the legacy side-channel that appends
// JSON blocks to a free-text description:
//
//	<text>\n\n__SIGNATURE_METADATA__:{"envelope_id":"..."}
//
// Structured metadata now lives in its own table; this codec remains for
// importing and exporting descriptions produced by older clients.
package metadata

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const separator = "\n\n"

// Kinds understood by the service. Any upper-case name is accepted by Parse.
const (
	Signature = "SIGNATURE"
	Strategy  = "STRATEGY"
)

var sentinelRe = regexp.MustCompile(`(?:^|\n\n)__([A-Z0-9]+(?:_[A-Z0-9]+)*)_METADATA__:`)

// Sentinel returns the marker for a kind, e.g. "__SIGNATURE_METADATA__:".
func Sentinel(kind string) string {
	return "__" + strings.ToUpper(kind) + "_METADATA__:"
}

// Serialize appends one metadata block to text.
func Serialize(text, kind string, obj any) (string, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("marshal %s metadata: %w", kind, err)
	}
	return text + separator + Sentinel(kind) + string(data), nil
}

// SerializeAll appends every block, ordered by kind.
func SerializeAll(text string, blocks map[string]json.RawMessage) string {
	kinds := make([]string, 0, len(blocks))
	for k := range blocks {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	var b strings.Builder
	b.WriteString(text)
	for _, k := range kinds {
		b.WriteString(separator)
		b.WriteString(Sentinel(k))
		b.Write(blocks[k])
	}
	return b.String()
}

// Parse splits s into the human text and its metadata blocks keyed by kind.
// Malformed JSON in any block returns s unchanged as plain text.
func Parse(s string) (string, map[string]json.RawMessage) {
	locs := sentinelRe.FindAllStringSubmatchIndex(s, -1)
	if len(locs) == 0 {
		return s, nil
	}
	blocks := make(map[string]json.RawMessage, len(locs))
	for i, loc := range locs {
		kind := s[loc[2]:loc[3]]
		end := len(s)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		raw := strings.TrimSpace(s[loc[1]:end])
		if !json.Valid([]byte(raw)) {
			return s, nil
		}
		if _, dup := blocks[kind]; dup {
			continue
		}
		blocks[kind] = json.RawMessage(raw)
	}
	text := s[:locs[0][0]]
	return text, blocks
}

// Strip returns only the human text.
func Strip(s string) string {
	text, _ := Parse(s)
	return text
}

// Lookup decodes the block of one kind into dst. It reports false when the
// block is absent or does not decode.
func Lookup(s, kind string, dst any) bool {
	_, blocks := Parse(s)
	raw, ok := blocks[strings.ToUpper(kind)]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}
