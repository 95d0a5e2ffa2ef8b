package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// CodeMax is the largest code a session can hold. Codes are dictated aloud in a
// classroom, so the space is four decimal digits.
const CodeMax = 9999

// Code addresses a live Session.
type Code int

func (c Code) Valid() bool {
	return c >= 0 && c <= CodeMax
}

// String renders the code zero-padded to four digits.
func (c Code) String() string {
	return fmt.Sprintf("%04d", int(c))
}

func (c Code) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Code) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("code must be a string or integer")
		}
		s = strconv.Itoa(n)
	}
	parsed, err := ParseCode(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCode accepts one to four decimal digits ("42" and "0042" are the same code).
func ParseCode(s string) (Code, error) {
	if len(s) == 0 || len(s) > 4 {
		return 0, fmt.Errorf("invalid code %q", s)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid code %q", s)
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid code %q: %w", s, err)
	}
	return Code(n), nil
}

type Direction int16

const (
	DirectionLTR Direction = 0
	DirectionRTL Direction = 1
)

func (d Direction) Valid() bool {
	return d == DirectionLTR || d == DirectionRTL
}

func (d Direction) String() string {
	if d == DirectionRTL {
		return "rtl"
	}
	return "ltr"
}

func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Direction) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("direction must be a string")
	}
	switch s {
	case "ltr":
		*d = DirectionLTR
	case "rtl":
		*d = DirectionRTL
	default:
		return fmt.Errorf("direction must be ltr or rtl, got %q", s)
	}
	return nil
}

// Settings is the playback configuration a session hands to every viewer.
type Settings struct {
	Direction        Direction `json:"direction"`
	DisplayScore     bool      `json:"display_score"`
	TrackAssessments bool      `json:"track_assessments"`
	DragAssist       bool      `json:"drag_assist"`
}

func DefaultSettings() Settings {
	return Settings{
		Direction:        DirectionLTR,
		DisplayScore:     true,
		TrackAssessments: true,
		DragAssist:       true,
	}
}

type Session struct {
	ActivityID uuid.UUID `json:"activity_id"`
	Code       Code      `json:"code"`
	Settings   Settings  `json:"settings"`
	CreatedAt  time.Time `json:"created_at"`
}

// Instance is one viewer's play of a session. ActivityID is copied from the
// session so completion still works after the session has been reaped.
type Instance struct {
	ID         uuid.UUID `json:"instance_id"`
	Code       Code      `json:"code"`
	ActivityID uuid.UUID `json:"activity_id"`
	IP         string    `json:"-"`
	UserAgent  string    `json:"-"`
	OpenedAt   time.Time `json:"opened_at"`
}

type CompleteInstanceRequest struct {
	ActivityID string `json:"activity_id"`
}
