package models

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/boardsync/boardsync/internal/codec"
	"github.com/boardsync/boardsync/pkg/constants"
)

// Kind is the type of a note.
type Kind string

const (
	KindText      Kind = "text"
	KindChecklist Kind = "checklist"
	KindImage     Kind = "image"
	KindVoice     Kind = "voice"
	KindDrawing   Kind = "drawing"
)

// Kinds lists every note kind.
var Kinds = []Kind{KindText, KindChecklist, KindImage, KindVoice, KindDrawing}

func (k Kind) Valid() bool {
	switch k {
	case KindText, KindChecklist, KindImage, KindVoice, KindDrawing:
		return true
	}
	return false
}

// Content is the body of a note. The implementations below are the only
// ones; switch on the concrete type to dispatch per kind.
type Content interface {
	Kind() Kind
	content()
}

type TextContent struct {
	Text string `json:"text" cbor:"text"`
}

type ChecklistItem struct {
	ID   string `json:"id" cbor:"id"`
	Text string `json:"text" cbor:"text"`
	Done bool   `json:"done" cbor:"done"`
}

type ChecklistContent struct {
	Items []ChecklistItem `json:"items" cbor:"items"`
}

type ImageContent struct {
	URL    string `json:"url" cbor:"url"`
	Alt    string `json:"alt,omitempty" cbor:"alt,omitempty"`
	Width  int    `json:"width,omitempty" cbor:"w,omitempty"`
	Height int    `json:"height,omitempty" cbor:"h,omitempty"`
}

type VoiceContent struct {
	URL        string  `json:"url" cbor:"url"`
	Duration   float64 `json:"duration" cbor:"dur"`
	Transcript string  `json:"transcript,omitempty" cbor:"tr,omitempty"`
}

type Point struct {
	X float64 `json:"x" cbor:"x"`
	Y float64 `json:"y" cbor:"y"`
}

type Stroke struct {
	Points []Point `json:"points" cbor:"pts"`
	Color  string  `json:"color" cbor:"c"`
	Width  float64 `json:"width" cbor:"w"`
}

type DrawingContent struct {
	Strokes []Stroke `json:"strokes" cbor:"strokes"`
}

func (*TextContent) Kind() Kind      { return KindText }
func (*ChecklistContent) Kind() Kind { return KindChecklist }
func (*ImageContent) Kind() Kind     { return KindImage }
func (*VoiceContent) Kind() Kind     { return KindVoice }
func (*DrawingContent) Kind() Kind   { return KindDrawing }

func (*TextContent) content()      {}
func (*ChecklistContent) content() {}
func (*ImageContent) content()     {}
func (*VoiceContent) content()     {}
func (*DrawingContent) content()   {}

// NewContent returns an empty content value for kind.
func NewContent(kind Kind) (Content, error) {
	switch kind {
	case KindText:
		return &TextContent{}, nil
	case KindChecklist:
		return &ChecklistContent{}, nil
	case KindImage:
		return &ImageContent{}, nil
	case KindVoice:
		return &VoiceContent{}, nil
	case KindDrawing:
		return &DrawingContent{}, nil
	}
	return nil, fmt.Errorf("%w: %q", constants.ErrUnknownKind, kind)
}

// Assets returns the external asset URLs c references.
func Assets(c Content) []string {
	switch v := c.(type) {
	case *ImageContent:
		if v.URL != "" {
			return []string{v.URL}
		}
	case *VoiceContent:
		if v.URL != "" {
			return []string{v.URL}
		}
	}
	return nil
}

// taggedContent is the stored form of Content: {type, data}.
type taggedContent struct {
	Type Kind            `cbor:"type"`
	Data cbor.RawMessage `cbor:"data"`
}

// EncodeContent encodes c with its kind tag.
func EncodeContent(c Content) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil content", constants.ErrKindMismatch)
	}
	data, err := codec.Default().Marshal(c)
	if err != nil {
		return nil, err
	}
	return codec.Default().Marshal(taggedContent{Type: c.Kind(), Data: data})
}

// DecodeContent decodes a value written by EncodeContent.
func DecodeContent(b []byte) (Content, error) {
	var tagged taggedContent
	if err := codec.Default().Unmarshal(b, &tagged); err != nil {
		return nil, fmt.Errorf("failed to decode note content: %w", err)
	}
	c, err := NewContent(tagged.Type)
	if err != nil {
		return nil, err
	}
	if err := codec.Default().Unmarshal(tagged.Data, c); err != nil {
		return nil, fmt.Errorf("failed to decode %s content: %w", tagged.Type, err)
	}
	return c, nil
}
