package activity

import (
	"encoding/json"
	"errors"
	"strings"
)

// PublicMarker is the audience URI addressing an activity to the world.
const PublicMarker = "https://www.w3.org/ns/activitystreams#Public"

var (
	ErrorInvalidActivity = errors.New("invalid activity")
	ErrorMissingID       = errors.New("missing activity id")
)

// StringList accepts either a single JSON string or an array of strings,
// both of which appear in the wild for to/cc/inReplyTo.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

// Object is the nested object of an activity. Senders may collapse it to a
// bare URI string, in which case only ID is populated.
type Object struct {
	ID                string            `json:"id"`
	Type              string            `json:"type"`
	AttributedTo      string            `json:"attributedTo"`
	InReplyTo         StringList        `json:"inReplyTo"`
	Content           string            `json:"content"`
	ContentMap        map[string]string `json:"contentMap"`
	Summary           string            `json:"summary"`
	Name              string            `json:"name"`
	PreferredUsername string            `json:"preferredUsername"`
	To                StringList        `json:"to"`
	Cc                StringList        `json:"cc"`
}

func (o *Object) UnmarshalJSON(data []byte) error {
	var uri string
	if err := json.Unmarshal(data, &uri); err == nil {
		*o = Object{ID: uri}
		return nil
	}
	type plain Object
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*o = Object(p)
	return nil
}

// Activity is one protocol message. The engine treats the body as opaque
// beyond the enumerated fields; Raw preserves the wire bytes for delivery.
type Activity struct {
	ID                string            `json:"id"`
	Type              string            `json:"type"`
	Actor             string            `json:"actor"`
	To                StringList        `json:"to"`
	Cc                StringList        `json:"cc"`
	Object            *Object           `json:"object"`
	Content           string            `json:"content"`
	ContentMap        map[string]string `json:"contentMap"`
	Summary           string            `json:"summary"`
	Name              string            `json:"name"`
	PreferredUsername string            `json:"preferredUsername"`

	Raw json.RawMessage `json:"-"`
}

func Parse(data []byte) (*Activity, error) {
	a := &Activity{}
	if err := json.Unmarshal(data, a); err != nil {
		return nil, ErrorInvalidActivity
	}
	a.Raw = append(json.RawMessage{}, data...)
	return a, nil
}

// Bytes returns the wire form: the original body when the activity was
// parsed off the wire, a fresh marshalling otherwise.
func (a *Activity) Bytes() ([]byte, error) {
	if len(a.Raw) > 0 {
		return a.Raw, nil
	}
	return json.Marshal(a)
}

// Audience is the deduplicated union of to and cc, in first-seen order.
func (a *Activity) Audience() []string {
	seen := make(map[string]bool, len(a.To)+len(a.Cc))
	audience := make([]string, 0, len(a.To)+len(a.Cc))
	for _, uri := range append(append([]string{}, a.To...), a.Cc...) {
		if uri == "" || seen[uri] {
			continue
		}
		seen[uri] = true
		audience = append(audience, uri)
	}
	return audience
}

func (a *Activity) IsPublic() bool {
	for _, uri := range a.Audience() {
		if uri == PublicMarker {
			return true
		}
	}
	return false
}

// InReplyTo collects reply-target URLs from the activity's object.
func (a *Activity) InReplyTo() []string {
	if a.Object == nil {
		return nil
	}
	targets := make([]string, 0, len(a.Object.InReplyTo))
	for _, uri := range a.Object.InReplyTo {
		if uri != "" {
			targets = append(targets, uri)
		}
	}
	return targets
}

// TextFields returns every textual field a keyword scan covers, from both
// the activity itself and its nested object.
func (a *Activity) TextFields() []string {
	fields := textFieldsOf(a.Content, a.ContentMap, a.Summary, a.Name, a.PreferredUsername)
	if a.Object != nil {
		o := a.Object
		fields = append(fields, textFieldsOf(o.Content, o.ContentMap, o.Summary, o.Name, o.PreferredUsername)...)
	}
	return fields
}

func textFieldsOf(content string, contentMap map[string]string, summary, name, preferredUsername string) []string {
	fields := make([]string, 0, 4+len(contentMap))
	for _, f := range []string{content, summary, name, preferredUsername} {
		if f != "" {
			fields = append(fields, f)
		}
	}
	for _, f := range contentMap {
		if f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

// NormalizeKind canonicalizes an activity type to its capitalized form,
// e.g. "create" and "CREATE" both become "Create".
func NormalizeKind(kind string) string {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return kind
	}
	return strings.ToUpper(kind[:1]) + strings.ToLower(kind[1:])
}
