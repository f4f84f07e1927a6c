package validation

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"github.com/boardsync/boardsync/pkg/constants"
	"github.com/boardsync/boardsync/pkg/models"
	"github.com/boardsync/boardsync/pkg/timezone"
)

type eventInput struct {
	ID              string          `json:"id"`
	Title           *string         `json:"title"`
	Description     *string         `json:"description"`
	StartTime       *string         `json:"startTime"`
	EndTime         *string         `json:"endTime"`
	Timezone        *string         `json:"timezone"`
	IsAllDay        *bool           `json:"isAllDay"`
	Color           *string         `json:"color"`
	Pattern         *models.Pattern `json:"pattern"`
	Collaborators   *[]string       `json:"collaborators"`
	Tags            *[]string       `json:"tags"`
	Attendees       *[]string       `json:"attendees"`
	ReminderMinutes *int            `json:"reminderMinutes"`
}

// ValidateEvent decodes and checks an event create payload. The returned
// event has an id but no timestamps or creator.
func (v *Validator) ValidateEvent(raw []byte) (*models.CalendarEvent, error) {
	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, err
	}
	if errs := checkSchema(schemaEvent, doc); len(errs) > 0 {
		return nil, errs
	}
	var in eventInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, Errors{{Field: "payload", Message: err.Error()}}
	}

	p, errs := v.eventPatch(&in, nil)
	if len(errs) > 0 {
		return nil, errs
	}
	e := p.Apply(models.CalendarEvent{
		ID:      in.ID,
		Color:   DefaultColor,
		Pattern: models.PatternPlain,
	})
	if e.ID == "" {
		e.ID = models.NewID()
	}
	if err := v.CheckEvent(&e).err(); err != nil {
		return nil, err
	}
	return &e, nil
}

// DecodeEventPatch decodes a partial update of current. RFC 3339 instants
// are converted to wall clocks in the zone the event has after the patch; the
// zone itself only changes when the patch sets it. Cross-field rules are
// checked on the merged event with CheckEvent.
func (v *Validator) DecodeEventPatch(raw []byte, current models.CalendarEvent) (models.EventPatch, error) {
	doc, err := decodeDocument(raw)
	if err != nil {
		return models.EventPatch{}, err
	}
	if errs := checkSchema(schemaEventPatch, doc); len(errs) > 0 {
		return models.EventPatch{}, errs
	}
	var in eventInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return models.EventPatch{}, Errors{{Field: "payload", Message: err.Error()}}
	}
	p, errs := v.eventPatch(&in, &current)
	return p, errs.err()
}

// eventPatch converts in. current is nil for a create.
func (v *Validator) eventPatch(in *eventInput, current *models.CalendarEvent) (models.EventPatch, Errors) {
	var errs Errors
	p := models.EventPatch{
		Timezone:        in.Timezone,
		IsAllDay:        in.IsAllDay,
		Color:           in.Color,
		Pattern:         in.Pattern,
		Collaborators:   in.Collaborators,
		ReminderMinutes: in.ReminderMinutes,
	}
	if in.Title != nil {
		p.Title = models.Ptr(SanitizeText(*in.Title))
	}
	if in.Description != nil {
		p.Description = models.Ptr(SanitizeText(*in.Description))
	}
	if in.Tags != nil {
		tags := make([]string, 0, len(*in.Tags))
		for _, t := range *in.Tags {
			if t = SanitizeText(t); t != "" {
				tags = append(tags, t)
			}
		}
		p.Tags = &tags
	}
	if in.Attendees != nil {
		attendees := make([]string, 0, len(*in.Attendees))
		for _, a := range *in.Attendees {
			if a = SanitizeText(a); a != "" {
				attendees = append(attendees, a)
			}
		}
		p.Attendees = &attendees
	}

	if current != nil {
		zone := current.Timezone
		if in.Timezone != nil {
			zone = *in.Timezone
		}
		loc := v.tz.Zone(zone)
		if in.StartTime != nil {
			if w, err := parseWallIn(*in.StartTime, loc); err != nil {
				errs.add("startTime", err.Error())
			} else {
				p.Start = &w
			}
		}
		if in.EndTime != nil {
			if w, err := parseWallIn(*in.EndTime, loc); err != nil {
				errs.add("endTime", err.Error())
			} else {
				p.End = &w
			}
		}
	} else {
		zone := ""
		if in.Timezone != nil {
			zone = *in.Timezone
		}
		if in.StartTime != nil {
			w, z, err := v.parseEventTime(*in.StartTime, zone)
			if err != nil {
				errs.add("startTime", err.Error())
			} else {
				p.Start = &w
				zone = z
			}
		}
		if in.EndTime != nil {
			w, z, err := v.parseEventTime(*in.EndTime, zone)
			if err != nil {
				errs.add("endTime", err.Error())
			} else {
				p.End = &w
				zone = z
			}
		}
		if zone != "" || in.Timezone != nil {
			p.Timezone = &zone
		}
	}
	errs = append(errs, v.checkEventFields(p)...)
	return p, errs
}

// parseEventTime parses a create's start or end in zone. An instant with no
// zone declared pins the event to UTC.
func (v *Validator) parseEventTime(s, zone string) (timezone.WallClock, string, error) {
	if zone != "" {
		w, err := parseWallIn(s, v.tz.Zone(zone))
		return w, zone, err
	}
	if w, err := timezone.ParseWall(s); err == nil {
		return w, "", nil
	}
	w, err := parseWallIn(s, time.UTC)
	if err != nil {
		return w, "", err
	}
	return w, "UTC", nil
}

// parseWallIn accepts a wall clock, kept as is, or an RFC 3339 instant,
// converted to its wall clock in loc.
func parseWallIn(s string, loc *time.Location) (timezone.WallClock, error) {
	if w, err := timezone.ParseWall(s); err == nil {
		return w, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return timezone.WallClock{}, fmt.Errorf("not a wall clock or RFC 3339 time")
	}
	return timezone.WallOf(t.In(loc)), nil
}

// checkEventFields checks every field a patch sets on its own.
func (v *Validator) checkEventFields(p models.EventPatch) Errors {
	var errs Errors
	if p.Title != nil {
		if *p.Title == "" {
			errs.add("title", "required")
		} else if utf8.RuneCountInString(*p.Title) > v.limits.TitleMaxLength {
			errs.add("title", fmt.Sprintf("longer than %d characters", v.limits.TitleMaxLength))
		}
	}
	if p.Description != nil && utf8.RuneCountInString(*p.Description) > v.limits.DescriptionMaxLength {
		errs.add("description", fmt.Sprintf("longer than %d characters", v.limits.DescriptionMaxLength))
	}
	if p.Timezone != nil && *p.Timezone != "" {
		if _, err := timezone.LoadLocation(*p.Timezone); err != nil {
			v.log.Warn("validation: unknown event timezone, events will render in the viewer zone", "zone", *p.Timezone)
		}
	}
	if p.Tags != nil {
		if len(*p.Tags) > constants.MaxTags {
			errs.add("tags", fmt.Sprintf("more than %d tags", constants.MaxTags))
		}
		for i, t := range *p.Tags {
			if utf8.RuneCountInString(t) > constants.MaxTagLength {
				errs.add(fmt.Sprintf("tags.%d", i), fmt.Sprintf("longer than %d characters", constants.MaxTagLength))
			}
		}
	}
	if p.Attendees != nil && len(*p.Attendees) > constants.MaxAttendees {
		errs.add("attendees", fmt.Sprintf("more than %d attendees", constants.MaxAttendees))
	}
	if p.ReminderMinutes != nil && (*p.ReminderMinutes < 0 || *p.ReminderMinutes > constants.MaxReminderMinutes) {
		errs.add("reminderMinutes", "out of range")
	}
	if p.Pattern != nil && !p.Pattern.Valid() {
		errs.add("pattern", fmt.Sprintf("unknown pattern %q", *p.Pattern))
	}
	return errs
}

// CheckEvent checks a complete event: required fields, limits and the time
// range invariants.
func (v *Validator) CheckEvent(e *models.CalendarEvent) Errors {
	var errs Errors
	if e.ID == "" {
		errs.add("id", "required")
	}
	errs = append(errs, v.checkEventFields(models.EventPatch{
		Title:           &e.Title,
		Description:     &e.Description,
		Tags:            &e.Tags,
		Attendees:       &e.Attendees,
		ReminderMinutes: &e.ReminderMinutes,
		Pattern:         &e.Pattern,
	})...)
	if !e.Start.Valid() {
		errs.add("startTime", "invalid date")
	}
	if !e.End.Valid() {
		errs.add("endTime", "invalid date")
	}
	if len(errs) > 0 {
		return errs
	}

	if e.IsAllDay {
		if !e.Start.Before(e.End) {
			errs.add("endTime", "must be after startTime")
		} else if err := v.tz.ValidateAllDay(e.Start, e.End, e.Timezone); err != nil {
			errs.add("endTime", "all-day event must start and end on the same day")
		}
		return errs
	}

	start, err := v.tz.Display(e.Start, e.Timezone)
	if err != nil {
		errs.add("startTime", err.Error())
		return errs
	}
	end, err := v.tz.Display(e.End, e.Timezone)
	if err != nil {
		errs.add("endTime", err.Error())
		return errs
	}
	switch d := end.Sub(start); {
	case d <= 0:
		errs.add("endTime", "must be after startTime")
	case d < v.limits.MinEventDuration:
		errs.add("endTime", fmt.Sprintf("event shorter than %s", v.limits.MinEventDuration))
	}
	return errs
}
