// Package validation checks raw note and event payloads before they reach the
// shared document. Payloads are JSON; structure is checked against embedded
// JSON schemas, then limits and cross-field rules are checked in code. Text
// fields are sanitized on the way in.
package validation

import (
	"fmt"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"

	"github.com/boardsync/boardsync/pkg/constants"
	"github.com/boardsync/boardsync/pkg/logger"
	"github.com/boardsync/boardsync/pkg/models"
	"github.com/boardsync/boardsync/pkg/timezone"
)

// DefaultColor is given to events created without a color.
const DefaultColor = "#3b82f6"

// Limits are the configurable payload bounds.
type Limits struct {
	TitleMaxLength       int
	DescriptionMaxLength int
	MinEventDuration     time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		TitleMaxLength:       constants.DefaultTitleMaxLength,
		DescriptionMaxLength: constants.DefaultDescriptionMaxLength,
		MinEventDuration:     constants.DefaultMinEventDuration,
	}
}

// Validator validates payloads with a fixed set of limits.
type Validator struct {
	limits Limits
	tz     *timezone.Engine
	log    logger.Logger
}

// New returns a Validator. tz resolves event zones for duration and all-day
// checks; nil uses the process local zone.
func New(limits Limits, tz *timezone.Engine, log logger.Logger) *Validator {
	log = logger.OrDiscard(log)
	if tz == nil {
		tz = timezone.NewEngineIn(time.Local, log)
	}
	return &Validator{limits: limits, tz: tz, log: log}
}

var defaultValidator = New(DefaultLimits(), nil, nil)

// ValidateNote validates a note payload with the default limits.
func ValidateNote(raw []byte) (*models.Note, error) {
	return defaultValidator.ValidateNote(raw)
}

// ValidateEvent validates an event payload with the default limits.
func ValidateEvent(raw []byte) (*models.CalendarEvent, error) {
	return defaultValidator.ValidateEvent(raw)
}

func (v *Validator) Limits() Limits {
	return v.limits
}

type noteInput struct {
	ID       string           `json:"id"`
	Kind     models.Kind      `json:"kind"`
	Content  json.RawMessage  `json:"content"`
	Position *models.Position `json:"position"`
}

// ValidateNote decodes and checks a note create payload. The returned note
// has an id but no timestamps or creator.
func (v *Validator) ValidateNote(raw []byte) (*models.Note, error) {
	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, err
	}
	if errs := checkSchema(schemaNote, doc); len(errs) > 0 {
		return nil, errs
	}

	var in noteInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, Errors{{Field: "payload", Message: err.Error()}}
	}
	content, err := decodeContent(in.Content, in.Kind)
	if err != nil {
		return nil, err
	}

	n := &models.Note{
		ID:       in.ID,
		Kind:     in.Kind,
		Content:  content,
		Position: models.DefaultPosition,
	}
	if n.ID == "" {
		n.ID = models.NewID()
	}
	if in.Position != nil {
		n.Position = *in.Position
	}
	if err := v.CheckNote(n).err(); err != nil {
		return nil, err
	}
	return n, nil
}

// DecodeNotePatch decodes a partial note update for a note of kind.
func (v *Validator) DecodeNotePatch(raw []byte, kind models.Kind) (models.NotePatch, error) {
	doc, err := decodeDocument(raw)
	if err != nil {
		return models.NotePatch{}, err
	}
	if errs := checkSchema(schemaNotePatch, doc); len(errs) > 0 {
		return models.NotePatch{}, errs
	}

	var in noteInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return models.NotePatch{}, Errors{{Field: "payload", Message: err.Error()}}
	}

	var p models.NotePatch
	var errs Errors
	if len(in.Content) > 0 {
		c, err := decodeContent(in.Content, kind)
		if err != nil {
			return models.NotePatch{}, err
		}
		errs = append(errs, v.checkContent(c)...)
		p.Content = c
	}
	if in.Position != nil {
		errs = append(errs, checkPosition(*in.Position)...)
		p.Position = in.Position
	}
	return p, errs.err()
}

// decodeContent peeks at content.type, which must equal kind, then decodes
// into the matching variant.
func decodeContent(raw []byte, kind models.Kind) (models.Content, error) {
	typ, err := jsonparser.GetString(raw, "type")
	if err != nil {
		return nil, Errors{{Field: "content.type", Message: "missing"}}
	}
	if models.Kind(typ) != kind {
		return nil, Errors{{Field: "content.type", Message: fmt.Sprintf("%s: %q for %q note", constants.ErrKindMismatch, typ, kind)}}
	}
	c, err := models.NewContent(kind)
	if err != nil {
		return nil, Errors{{Field: "kind", Message: err.Error()}}
	}
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, Errors{{Field: "content", Message: err.Error()}}
	}
	sanitizeContent(c)
	return c, nil
}

func sanitizeContent(c models.Content) {
	switch v := c.(type) {
	case *models.TextContent:
		v.Text = SanitizeText(v.Text)
	case *models.ChecklistContent:
		for i := range v.Items {
			v.Items[i].Text = SanitizeText(v.Items[i].Text)
			if v.Items[i].ID == "" {
				v.Items[i].ID = models.NewID()
			}
		}
	case *models.ImageContent:
		v.Alt = SanitizeText(v.Alt)
	case *models.VoiceContent:
		v.Transcript = SanitizeText(v.Transcript)
	case *models.DrawingContent:
	}
}

// CheckNote checks a decoded note against the limits and the kind invariant.
func (v *Validator) CheckNote(n *models.Note) Errors {
	var errs Errors
	if n.ID == "" {
		errs.add("id", "required")
	}
	if !n.Kind.Valid() {
		errs.add("kind", fmt.Sprintf("unknown kind %q", n.Kind))
	}
	if n.Content == nil {
		errs.add("content", "required")
	} else if n.Content.Kind() != n.Kind {
		errs.add("content.type", fmt.Sprintf("%s: %q for %q note", constants.ErrKindMismatch, n.Content.Kind(), n.Kind))
	} else {
		errs = append(errs, v.checkContent(n.Content)...)
	}
	errs = append(errs, checkPosition(n.Position)...)
	return errs
}

func (v *Validator) checkContent(c models.Content) Errors {
	var errs Errors
	switch c := c.(type) {
	case *models.TextContent:
		if utf8.RuneCountInString(c.Text) > constants.MaxTextContentLength {
			errs.add("content.text", fmt.Sprintf("longer than %d characters", constants.MaxTextContentLength))
		}
	case *models.ChecklistContent:
		if len(c.Items) > constants.MaxChecklistItems {
			errs.add("content.items", fmt.Sprintf("more than %d items", constants.MaxChecklistItems))
		}
		for i, item := range c.Items {
			if item.Text == "" {
				errs.add(fmt.Sprintf("content.items.%d.text", i), "required")
			}
		}
	case *models.ImageContent:
		errs = append(errs, checkAssetURL(c.URL)...)
	case *models.VoiceContent:
		errs = append(errs, checkAssetURL(c.URL)...)
	case *models.DrawingContent:
		for i, s := range c.Strokes {
			if len(s.Points) == 0 {
				errs.add(fmt.Sprintf("content.strokes.%d.points", i), "required")
			}
		}
	}
	return errs
}

func checkAssetURL(raw string) Errors {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return Errors{{Field: "content.url", Message: "must be an http(s) URL"}}
	}
	return nil
}

func checkPosition(p models.Position) Errors {
	var errs Errors
	if p.X < -models.MaxCoordinate || p.X > models.MaxCoordinate {
		errs.add("position.x", "out of range")
	}
	if p.Y < -models.MaxCoordinate || p.Y > models.MaxCoordinate {
		errs.add("position.y", "out of range")
	}
	if p.Width < models.MinWidth || p.Width > models.MaxWidth {
		errs.add("position.width", "out of range")
	}
	if p.Height < models.MinHeight || p.Height > models.MaxHeight {
		errs.add("position.height", "out of range")
	}
	if p.Rotation < -models.MaxRotation || p.Rotation > models.MaxRotation {
		errs.add("position.rotation", "out of range")
	}
	return errs
}

func decodeDocument(raw []byte) (any, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, Errors{{Field: "payload", Message: "malformed JSON: " + err.Error()}}
	}
	return doc, nil
}
