package models

// AppField is an app-level semantic field that can be routed to a note field.
type AppField string

const (
	FieldSentence   AppField = "sentence"
	FieldDefinition AppField = "definition"
	FieldWord       AppField = "word"
	FieldAudio      AppField = "audio"
	FieldImage      AppField = "image"
	FieldSource     AppField = "source"
)

// AppFields lists every mappable field in display order.
var AppFields = []AppField{FieldSentence, FieldDefinition, FieldWord, FieldAudio, FieldImage, FieldSource}

// Valid reports whether f is a known app field.
func (f AppField) Valid() bool {
	for _, known := range AppFields {
		if f == known {
			return true
		}
	}
	return false
}

// ModelMapping routes app fields to destination field names of one note model.
type ModelMapping map[AppField]string

// Mapped reports whether at least one destination field is set.
func (m ModelMapping) Mapped() bool {
	for _, dst := range m {
		if dst != "" {
			return true
		}
	}
	return false
}

// FieldMapping holds a ModelMapping per note model name.
type FieldMapping map[string]ModelMapping

// EncodedMedia is a captured, encoded still or audio clip.
type EncodedMedia struct {
	Format  string  `json:"format"`
	Quality float64 `json:"quality,omitempty"`
	Data    []byte  `json:"-"`
}

// Empty reports whether no data was captured.
func (m EncodedMedia) Empty() bool {
	return len(m.Data) == 0
}

// Extension returns the file extension for the media format.
func (m EncodedMedia) Extension() string {
	if m.Format == "jpeg" {
		return "jpg"
	}
	return m.Format
}

// MediaClip is the transient result of capturing one cue window.
type MediaClip struct {
	Image     EncodedMedia `json:"image"`
	Audio     EncodedMedia `json:"audio"`
	PaddingMs int          `json:"padding_ms"`
}

// MediaFile is a file that must exist in the note store before a note references it.
type MediaFile struct {
	Filename string `json:"filename"`
	Data     []byte `json:"-"`
}

// NoteRequest is an assembled note ready for the note store.
type NoteRequest struct {
	DeckName  string            `json:"deck_name"`
	ModelName string            `json:"model_name"`
	Fields    map[string]string `json:"fields"`
	Tags      []string          `json:"tags"`
	Media     []MediaFile       `json:"media"`
}
