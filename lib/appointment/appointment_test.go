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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want Status
	}{
		{"available", StatusAvailable},
		{"  Available ", StatusAvailable},
		{"FILLED", StatusFilled},
		{"pending", StatusPending},
		{"not-registerable", StatusNotRegisterable},
		{"sold out", StatusUnknown},
		{"", StatusUnknown},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, ParseStatus(tc.raw), "raw=%q", tc.raw)
	}
}

func TestAppointmentCheckAndSetDefaults(t *testing.T) {
	a := Appointment{
		Date:     "2026-03-14",
		Time:     "09:00-12:00",
		City:     "Isfahan",
		ExamType: ExamIELTS,
		Location: "Main Center",
		Status:   "Available",
	}
	require.NoError(t, a.CheckAndSetDefaults())
	require.Equal(t, StatusAvailable, a.Status)
	require.Equal(t, "2026-03-14|09:00-12:00|isfahan|ielts|main center", a.ID)

	// Same coordinates always derive the same identity.
	b := a
	b.ID = ""
	b.Status = StatusFilled
	require.NoError(t, b.CheckAndSetDefaults())
	require.Equal(t, a.ID, b.ID)
}

func TestAppointmentValidationErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		a    Appointment
	}{
		{"missing date", Appointment{Time: "09:00-12:00", City: "Tehran"}},
		{"bad date", Appointment{Date: "14/03/2026", Time: "09:00-12:00", City: "Tehran"}},
		{"missing time", Appointment{Date: "2026-03-14", City: "Tehran"}},
		{"missing city", Appointment{Date: "2026-03-14", Time: "09:00-12:00"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Error(t, tc.a.CheckAndSetDefaults())
		})
	}
}

func TestFiltersMatch(t *testing.T) {
	f := Filters{
		Cities:     []string{"Tehran", "Isfahan"},
		ExamModels: []ExamType{ExamIELTS},
		Months:     []int{3, 4},
	}
	require.NoError(t, f.CheckAndSetDefaults())

	require.True(t, f.MatchCity("tehran"))
	require.False(t, f.MatchCity("Shiraz"))
	require.True(t, f.MatchExamType(ExamIELTS))
	require.False(t, f.MatchExamType(ExamUKVI))
	require.True(t, f.MatchDate("2026-03-14"))
	require.False(t, f.MatchDate("2026-06-14"))
	require.False(t, f.MatchDate("not-a-date"))

	// Empty filters admit everything.
	empty := Filters{}
	require.True(t, empty.MatchCity("anywhere"))
	require.True(t, empty.MatchExamType(ExamCDIELTS))
	require.True(t, empty.MatchDate("2026-12-01"))
}

func TestFiltersRejectBadMonth(t *testing.T) {
	f := Filters{Months: []int{0}}
	require.Error(t, f.CheckAndSetDefaults())
	f = Filters{Months: []int{13}}
	require.Error(t, f.CheckAndSetDefaults())
}

func TestNewCheckResultCounts(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	slots := []Appointment{
		{ID: "a", Status: StatusAvailable},
		{ID: "b", Status: StatusFilled},
		{ID: "c", Status: StatusPending},
		{ID: "d", Status: StatusUnknown},
	}
	r := NewCheckResult(slots, "https://example.com/timetable", now)
	require.Equal(t, ResultAvailable, r.Type)
	require.Equal(t, 4, r.AppointmentCount)
	require.Equal(t, 1, r.AvailableCount)
	require.Equal(t, 1, r.FilledCount)
	require.NoError(t, r.Validate())

	r = NewCheckResult(nil, "", now)
	require.Equal(t, ResultNoSlots, r.Type)
	require.NoError(t, r.Validate())

	r = NewCheckResult([]Appointment{{ID: "b", Status: StatusFilled}}, "", now)
	require.Equal(t, ResultFilled, r.Type)
	require.NoError(t, r.Validate())
}

func TestCheckResultValidateRejectsInconsistency(t *testing.T) {
	now := time.Now()
	r := NewCheckResult([]Appointment{{ID: "a", Status: StatusAvailable}}, "", now)
	r.AppointmentCount = 5
	require.Error(t, r.Validate())

	r = NewCheckResult([]Appointment{{ID: "a", Status: StatusAvailable}}, "", now)
	r.Type = ResultNoSlots
	require.Error(t, r.Validate())
}
