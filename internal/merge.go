package internal

import (
	"bytes"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// MergeStrategy decides how an incoming value for a session sub-document is
// combined with the current value.
type MergeStrategy int

const (
	// StrategyReplace: the incoming value wins wholesale.
	StrategyReplace MergeStrategy = iota
	// StrategyDeepMerge: objects are merged key-by-key; arrays are replaced
	// wholesale, not concatenated, to avoid unbounded growth.
	StrategyDeepMerge
	// StrategyUnionByID: arrays are unioned by item id and re-sorted by
	// timestamp ascending. Only used when resolving conflicts.
	StrategyUnionByID
)

// updateStrategies is the strategy table for ordinary partial updates.
var updateStrategies = map[string]MergeStrategy{
	"browserState":        StrategyDeepMerge,
	"preferences":         StrategyDeepMerge,
	"conversationHistory": StrategyReplace,
	"metadata":            StrategyReplace,
	"deviceInfo":          StrategyReplace,
}

// resolveStrategies is the strategy table for the 'merge' conflict resolution:
// the same field merge as ordinary updates, plus history deduplication.
var resolveStrategies = map[string]MergeStrategy{
	"browserState":        StrategyDeepMerge,
	"preferences":         StrategyDeepMerge,
	"conversationHistory": StrategyUnionByID,
	"metadata":            StrategyReplace,
	"deviceInfo":          StrategyReplace,
}

// ApplyPartial merges a partial session document into s using the ordinary
// update strategy table. Attempts to change the id are ignored; timestamps
// owned by the subsystem (createdAt, lastActivity) are ignored too.
func ApplyPartial(s *Session, partial []byte) error {
	return applyPartial(s, partial, updateStrategies)
}

// ApplyResolveMerge merges remote conflict data into s using the conflict
// resolution strategy table (history union, preferences override-union).
func ApplyResolveMerge(s *Session, remote []byte) error {
	return applyPartial(s, remote, resolveStrategies)
}

// ApplyOverwrite replaces every named field with the remote value wholesale.
// Used by the accept_remote conflict resolution.
func ApplyOverwrite(s *Session, remote []byte) error {
	return applyPartial(s, remote, nil)
}

func applyPartial(s *Session, partial []byte, strategies map[string]MergeStrategy) error {
	if len(partial) == 0 {
		return nil
	}
	parsed := gjson.ParseBytes(partial)
	if !parsed.IsObject() {
		return &ValidationError{Field: "partial", Reason: "must be a JSON object"}
	}
	var verr error
	parsed.ForEach(func(key, value gjson.Result) bool {
		switch key.Str {
		case "id", "createdAt", "lastActivity":
			// immutable / subsystem-owned
			return true
		case "userId":
			s.UserID = value.String()
			return true
		case "expiresAt":
			t, err := time.Parse(time.RFC3339, value.String())
			if err != nil {
				verr = &ValidationError{Field: "expiresAt", Reason: "not an RFC3339 timestamp"}
				return false
			}
			s.ExpiresAt = t
			return true
		}
		doc := s.subDocument(key.Str)
		if doc == nil {
			// unknown fields are product-feature additions we don't know about;
			// dropping them beats corrupting what we do know
			return true
		}
		raw := []byte(value.Raw)
		switch strategies[key.Str] {
		case StrategyDeepMerge:
			*doc = DeepMergeJSON(*doc, raw)
		case StrategyUnionByID:
			*doc = UnionByID(*doc, raw)
		default:
			*doc = append([]byte(nil), raw...)
		}
		return true
	})
	return verr
}

func (s *Session) subDocument(field string) *[]byte {
	switch field {
	case "browserState":
		return (*[]byte)(&s.BrowserState)
	case "conversationHistory":
		return (*[]byte)(&s.ConversationHistory)
	case "preferences":
		return (*[]byte)(&s.Preferences)
	case "metadata":
		return (*[]byte)(&s.Metadata)
	case "deviceInfo":
		return (*[]byte)(&s.DeviceInfo)
	}
	return nil
}

// sjson treats these as path syntax, so they must be escaped when a JSON key
// is used verbatim as a path.
var pathEscaper = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`)

// DeepMergeJSON merges src into dst key-by-key. Nested objects recurse; any
// non-object value (including arrays) replaces the destination value. A nil
// or non-object dst yields a copy of src.
func DeepMergeJSON(dst, src []byte) []byte {
	srcParsed := gjson.ParseBytes(src)
	if !srcParsed.IsObject() {
		return append([]byte(nil), src...)
	}
	if !gjson.ParseBytes(dst).IsObject() {
		return append([]byte(nil), src...)
	}
	out := append([]byte(nil), dst...)
	srcParsed.ForEach(func(key, value gjson.Result) bool {
		path := pathEscaper.Replace(key.Str)
		if value.IsObject() {
			existing := gjson.GetBytes(out, path)
			if existing.IsObject() {
				merged := DeepMergeJSON([]byte(existing.Raw), []byte(value.Raw))
				out, _ = sjson.SetRawBytes(out, path, merged)
				return true
			}
		}
		out, _ = sjson.SetRawBytes(out, path, []byte(value.Raw))
		return true
	})
	return out
}

// UnionByID unions two JSON arrays of objects keyed by their "id" field. When
// both sides contain an id, the remote copy wins. The result is sorted by the
// items' "timestamp" fields, ascending.
func UnionByID(local, remote []byte) []byte {
	type item struct {
		raw []byte
		ts  gjson.Result
	}
	var order []string
	items := make(map[string]item)
	collect := func(doc []byte) {
		gjson.ParseBytes(doc).ForEach(func(_, value gjson.Result) bool {
			id := value.Get("id").String()
			if _, seen := items[id]; !seen {
				order = append(order, id)
			}
			items[id] = item{raw: []byte(value.Raw), ts: value.Get("timestamp")}
			return true
		})
	}
	collect(local)
	collect(remote)

	sorted := make([]item, 0, len(order))
	for _, id := range order {
		sorted = append(sorted, items[id])
	}
	// stable so equal timestamps keep local-then-remote order
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && timestampLess(sorted[j].ts, sorted[j-1].ts); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, it := range sorted {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(it.raw)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

func timestampLess(a, b gjson.Result) bool {
	if a.Type == gjson.Number && b.Type == gjson.Number {
		return a.Num < b.Num
	}
	return a.String() < b.String()
}

// MarkForDeletion records the intent to delete in the session's metadata.
// Physical deletion is left to the persistence layer.
func MarkForDeletion(s *Session, at time.Time) {
	meta := s.Metadata
	if !gjson.ParseBytes(meta).IsObject() {
		meta = []byte(`{}`)
	}
	meta, _ = sjson.SetBytes(meta, "markedForDeletion", true)
	meta, _ = sjson.SetBytes(meta, "deletedAt", at.UTC().Format(time.RFC3339))
	s.Metadata = meta
}

// MarkedForDeletion reports whether a delete intent has been recorded.
func MarkedForDeletion(s *Session) bool {
	return gjson.GetBytes(s.Metadata, "markedForDeletion").Bool()
}
