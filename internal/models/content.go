package models

import (
	"encoding/json"
	"fmt"
)

// ContentKind discriminates the content union.
type ContentKind string

const (
	ContentText ContentKind = "text"
	ContentMap  ContentKind = "map"
	ContentRun  ContentKind = "run"
)

// Content is a tagged union over the three payload shapes a message can
// carry: plain text, a structured map, or a nested run. The zero value is
// empty text.
type Content struct {
	kind ContentKind
	text string
	data map[string]any
	run  *Run
}

// TextContent wraps a string payload.
func TextContent(s string) Content {
	return Content{kind: ContentText, text: s}
}

// DataContent wraps a structured map payload.
func DataContent(m map[string]any) Content {
	return Content{kind: ContentMap, data: m}
}

// RunContent wraps a run payload.
func RunContent(r *Run) Content {
	return Content{kind: ContentRun, run: r}
}

// Kind reports which variant the content holds. The zero value reports text.
func (c Content) Kind() ContentKind {
	if c.kind == "" {
		return ContentText
	}
	return c.kind
}

// AsText returns the text payload. ok is false for non-text content.
func (c Content) AsText() (string, bool) {
	return c.text, c.Kind() == ContentText
}

// AsData returns the map payload. ok is false for non-map content.
func (c Content) AsData() (map[string]any, bool) {
	return c.data, c.Kind() == ContentMap
}

// AsRun returns the run payload. ok is false for non-run content.
func (c Content) AsRun() (*Run, bool) {
	return c.run, c.Kind() == ContentRun
}

// String renders the content for logs. Map and run variants render a short
// marker rather than the full payload.
func (c Content) String() string {
	switch c.Kind() {
	case ContentMap:
		return fmt.Sprintf("map[%d keys]", len(c.data))
	case ContentRun:
		if c.run != nil {
			return "run:" + c.run.ID
		}
		return "run:<nil>"
	default:
		return c.text
	}
}

type contentJSON struct {
	Type  ContentKind     `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the union with an explicit type tag so the variant
// survives serialization boundaries.
func (c Content) MarshalJSON() ([]byte, error) {
	var value any
	switch c.Kind() {
	case ContentMap:
		value = c.data
	case ContentRun:
		value = c.run
	default:
		value = c.text
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(contentJSON{Type: c.Kind(), Value: raw})
}

// UnmarshalJSON decodes the tagged union form.
func (c *Content) UnmarshalJSON(b []byte) error {
	var wire contentJSON
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	switch wire.Type {
	case ContentText, "":
		var s string
		if err := json.Unmarshal(wire.Value, &s); err != nil {
			return err
		}
		*c = TextContent(s)
	case ContentMap:
		var m map[string]any
		if err := json.Unmarshal(wire.Value, &m); err != nil {
			return err
		}
		*c = DataContent(m)
	case ContentRun:
		var r Run
		if err := json.Unmarshal(wire.Value, &r); err != nil {
			return err
		}
		*c = RunContent(&r)
	default:
		return fmt.Errorf("unknown content type %q", wire.Type)
	}
	return nil
}
