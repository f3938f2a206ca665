/*
Copyright 2025 Slotwatch Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package appointment defines the data model shared by the fetcher, tracker
// and dispatcher: exam slots, their status enumeration, fetch filters and
// per-fetch check results.
package appointment

import (
	"fmt"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// Status is the closed set of slot states the monitor recognises. Anything
// the fetcher cannot classify maps to StatusUnknown, which is never
// notifiable.
type Status string

const (
	// StatusAvailable means the slot can be booked right now.
	StatusAvailable Status = "available"
	// StatusFilled means the slot exists but its capacity is exhausted.
	StatusFilled Status = "filled"
	// StatusPending means registration has not opened yet.
	StatusPending Status = "pending"
	// StatusNotRegisterable means the upstream marks the slot as closed for
	// registration.
	StatusNotRegisterable Status = "not-registerable"
	// StatusUnknown is assigned when page indicators are ambiguous or absent.
	StatusUnknown Status = "unknown"
)

// ParseStatus maps a raw status string to the closed enumeration. Unrecognised
// values become StatusUnknown rather than an error so that a drifting upstream
// page degrades to "never notify" instead of breaking the loop.
func ParseStatus(s string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusAvailable:
		return StatusAvailable
	case StatusFilled:
		return StatusFilled
	case StatusPending:
		return StatusPending
	case StatusNotRegisterable:
		return StatusNotRegisterable
	default:
		return StatusUnknown
	}
}

// Notifiable reports whether the status may ever trigger a user notification.
// Only available slots notify; pending and not-registerable are deliberately
// excluded.
func (s Status) Notifiable() bool {
	return s == StatusAvailable
}

// ExamType enumerates the exam models the timetable lists.
type ExamType string

const (
	ExamIELTS    ExamType = "IELTS"
	ExamCDIELTS  ExamType = "CDIELTS"
	ExamUKVI     ExamType = "UKVI"
	ExamLifeSkil ExamType = "LIFE-SKILLS"
)

// Appointment is one bookable exam sitting. Identity is the ID field; two
// appointments are equal iff their IDs are equal. Status is the only field
// the tracker treats as a state change.
type Appointment struct {
	// ID is derived from date, time, city, exam type and location and stays
	// stable across fetches.
	ID string `json:"id"`
	// Date is the exam date in ISO YYYY-MM-DD form.
	Date string `json:"date"`
	// Time is the sitting window in HH:MM-HH:MM form.
	Time string `json:"time"`
	// City is the exam city as listed upstream.
	City string `json:"city"`
	// ExamType is the exam model.
	ExamType ExamType `json:"exam_type"`
	// Location is the venue within the city.
	Location string `json:"location"`
	// Status is the classified slot state.
	Status Status `json:"status"`
	// Price is the exam fee in minor currency units, zero when unlisted.
	Price int64 `json:"price,omitempty"`
	// RegistrationURL links to the booking page when known.
	RegistrationURL string `json:"registration_url,omitempty"`
}

// DeriveID builds the stable slot identity from its immutable coordinates.
func DeriveID(date, tm, city string, examType ExamType, location string) string {
	return strings.ToLower(fmt.Sprintf("%s|%s|%s|%s|%s", date, tm, city, examType, location))
}

// CheckAndSetDefaults validates the immutable identity fields, derives the ID
// when absent and normalises the status. A slot that fails validation must be
// dropped by the caller, never tracked.
func (a *Appointment) CheckAndSetDefaults() error {
	if a.Date == "" {
		return trace.BadParameter("appointment is missing date")
	}
	if _, err := time.Parse("2006-01-02", a.Date); err != nil {
		return trace.BadParameter("appointment date %q is not YYYY-MM-DD", a.Date)
	}
	if a.Time == "" {
		return trace.BadParameter("appointment is missing time")
	}
	if a.City == "" {
		return trace.BadParameter("appointment is missing city")
	}
	a.Status = ParseStatus(string(a.Status))
	if a.ID == "" {
		a.ID = DeriveID(a.Date, a.Time, a.City, a.ExamType, a.Location)
	}
	return nil
}

// Key returns the notified-set key for this appointment. Keys are only ever
// created for available slots, so the status is part of the key by
// construction.
func (a Appointment) Key() string {
	return a.ID
}

// String implements fmt.Stringer for log lines.
func (a Appointment) String() string {
	return fmt.Sprintf("%s %s %s/%s (%s, %s)", a.Date, a.Time, a.City, a.Location, a.ExamType, a.Status)
}

// Filters narrows a fetch to the cities, exam models and months the user
// cares about. Empty sets mean "no restriction".
type Filters struct {
	// Cities restricts results to these cities.
	Cities []string `json:"cities"`
	// ExamModels restricts results to these exam models.
	ExamModels []ExamType `json:"exam_models"`
	// Months restricts results to these calendar months (1-12).
	Months []int `json:"months"`
}

// CheckAndSetDefaults validates filter ranges.
func (f *Filters) CheckAndSetDefaults() error {
	for _, m := range f.Months {
		if m < 1 || m > 12 {
			return trace.BadParameter("month %v is out of range 1-12", m)
		}
	}
	return nil
}

// MatchCity reports whether the filter admits the given city.
func (f Filters) MatchCity(city string) bool {
	if len(f.Cities) == 0 {
		return true
	}
	for _, c := range f.Cities {
		if strings.EqualFold(c, city) {
			return true
		}
	}
	return false
}

// MatchExamType reports whether the filter admits the given exam model.
func (f Filters) MatchExamType(et ExamType) bool {
	if len(f.ExamModels) == 0 {
		return true
	}
	for _, m := range f.ExamModels {
		if strings.EqualFold(string(m), string(et)) {
			return true
		}
	}
	return false
}

// MatchDate reports whether the appointment date falls in a selected month.
func (f Filters) MatchDate(date string) bool {
	if len(f.Months) == 0 {
		return true
	}
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return false
	}
	for _, m := range f.Months {
		if int(t.Month()) == m {
			return true
		}
	}
	return false
}
