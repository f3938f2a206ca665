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

package appointment

import (
	"time"

	"github.com/gravitational/trace"
)

// ResultType summarises a check result for event consumers.
type ResultType string

const (
	// ResultAvailable means at least one slot in the result is available.
	ResultAvailable ResultType = "available"
	// ResultFilled means slots were found but none is available.
	ResultFilled ResultType = "filled"
	// ResultNoSlots means the timetable listed nothing for the filters.
	ResultNoSlots ResultType = "no-slots"
)

// CheckResult is the outcome of one successful timetable fetch. It is either
// complete or absent: a failed fetch never produces a partial result.
type CheckResult struct {
	// Type classifies the result as a whole.
	Type ResultType `json:"type"`
	// Appointments are the classified slots, in page order.
	Appointments []Appointment `json:"appointments"`
	// AppointmentCount equals len(Appointments).
	AppointmentCount int `json:"appointment_count"`
	// AvailableCount is the number of available slots.
	AvailableCount int `json:"available_count"`
	// FilledCount is the number of filled slots.
	FilledCount int `json:"filled_count"`
	// Timestamp is when the fetch completed.
	Timestamp time.Time `json:"timestamp"`
	// URL is the page the result was scraped from.
	URL string `json:"url"`
}

// NewCheckResult derives counts and the result type from a slot list, keeping
// the count invariants true by construction.
func NewCheckResult(slots []Appointment, url string, now time.Time) CheckResult {
	r := CheckResult{
		Appointments: slots,
		Timestamp:    now,
		URL:          url,
	}
	r.AppointmentCount = len(slots)
	for _, s := range slots {
		switch s.Status {
		case StatusAvailable:
			r.AvailableCount++
		case StatusFilled:
			r.FilledCount++
		}
	}
	switch {
	case r.AvailableCount > 0:
		r.Type = ResultAvailable
	case r.AppointmentCount == 0:
		r.Type = ResultNoSlots
	default:
		r.Type = ResultFilled
	}
	return r
}

// Validate enforces the structural invariants on a result built elsewhere,
// e.g. one loaded from persisted check history.
func (r *CheckResult) Validate() error {
	if r.AppointmentCount != len(r.Appointments) {
		return trace.BadParameter("appointment count %v does not match %v slots",
			r.AppointmentCount, len(r.Appointments))
	}
	if r.AvailableCount+r.FilledCount > r.AppointmentCount {
		return trace.BadParameter("available (%v) + filled (%v) exceeds total %v",
			r.AvailableCount, r.FilledCount, r.AppointmentCount)
	}
	switch {
	case r.AvailableCount > 0 && r.Type != ResultAvailable:
		return trace.BadParameter("result with available slots must have type %q, got %q", ResultAvailable, r.Type)
	case r.AvailableCount == 0 && r.AppointmentCount == 0 && r.Type != ResultNoSlots:
		return trace.BadParameter("empty result must have type %q, got %q", ResultNoSlots, r.Type)
	case r.AvailableCount == 0 && r.AppointmentCount > 0 && r.Type != ResultFilled:
		return trace.BadParameter("result without available slots must have type %q, got %q", ResultFilled, r.Type)
	}
	return nil
}
