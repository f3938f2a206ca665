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

package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/slotwatch/slotwatch/lib/appointment"
)

const timetablePage = `<!doctype html>
<html><body>
<div class="exams">
  <a class="exam__item exam__item--open" href="/register/1001">
    <time datetime="2026-03-14">14 March</time>
    <span class="exam__time">09:00-12:00</span>
    <span class="exam__city">Tehran</span>
    <span class="exam__model">cdielts</span>
    <span class="exam__location">Azadi Center</span>
    <span class="exam__price">45,000,000</span>
  </a>
  <a class="exam__item exam__item--full disabled" href="#">
    <time datetime="2026-03-21">21 March</time>
    <span class="exam__time">13:00-16:00</span>
    <span class="exam__city">Isfahan</span>
    <span class="exam__model">ielts</span>
    <span class="exam__location">Central Branch</span>
  </a>
  <a class="exam__item pending" href="#">
    <time datetime="2026-04-04">4 April</time>
    <span class="exam__time">09:00-12:00</span>
    <span class="exam__city">Tehran</span>
    <span class="exam__model">ielts</span>
    <span class="exam__location">Azadi Center</span>
  </a>
</div>
</body></html>`

func newTestFetcher(t *testing.T, url string) *WebFetcher {
	t.Helper()
	f, err := NewWebFetcher(WebConfig{
		BaseURL: url,
		Timeout: 5 * time.Second,
		Clock:   clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	return f
}

func TestFetchClassifiesSlots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(timetablePage))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL)
	result, err := f.Fetch(context.Background(), appointment.Filters{})
	require.NoError(t, err)

	require.Equal(t, appointment.ResultAvailable, result.Type)
	require.Equal(t, 3, result.AppointmentCount)
	require.Equal(t, 1, result.AvailableCount)
	require.Equal(t, 1, result.FilledCount)
	require.NoError(t, result.Validate())

	byDate := map[string]appointment.Appointment{}
	for _, s := range result.Appointments {
		byDate[s.Date] = s
	}
	open := byDate["2026-03-14"]
	require.Equal(t, appointment.StatusAvailable, open.Status)
	require.Equal(t, "Tehran", open.City)
	require.Equal(t, appointment.ExamCDIELTS, open.ExamType)
	require.Equal(t, int64(45_000_000), open.Price)
	require.Equal(t, "/register/1001", open.RegistrationURL)
	require.NotEmpty(t, open.ID)

	require.Equal(t, appointment.StatusFilled, byDate["2026-03-21"].Status)
	require.Equal(t, appointment.StatusPending, byDate["2026-04-04"].Status)
}

func TestFetchAppliesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "tehran", r.URL.Query().Get("city[]"))
		w.Write([]byte(timetablePage))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL)
	result, err := f.Fetch(context.Background(), appointment.Filters{
		Cities: []string{"Tehran"},
		Months: []int{3},
	})
	require.NoError(t, err)

	// Isfahan and April slots are filtered out.
	require.Equal(t, 1, result.AppointmentCount)
	require.Equal(t, "Tehran", result.Appointments[0].City)
	require.Equal(t, "2026-03-14", result.Appointments[0].Date)
}

func TestFetchRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL)
	result, err := f.Fetch(context.Background(), appointment.Filters{})
	require.Error(t, err)
	require.Nil(t, result)

	retryAfter, ok := IsRateLimited(err)
	require.True(t, ok)
	require.Equal(t, 2*time.Minute, retryAfter)
}

func TestFetchServerErrorIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL)
	_, err := f.Fetch(context.Background(), appointment.Filters{})
	require.Error(t, err)
	require.True(t, IsNetworkError(err))
}

func TestFetchUnreachableHostIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	f := newTestFetcher(t, url)
	_, err := f.Fetch(context.Background(), appointment.Filters{})
	require.Error(t, err)
	require.True(t, IsNetworkError(err))
}

func TestFetchParseErrorCarriesInspection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><p>Site maintenance</p></body></html>"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL)
	_, err := f.Fetch(context.Background(), appointment.Filters{})
	require.Error(t, err)

	pe := AsParseError(err)
	require.NotNil(t, pe)
	require.Equal(t, []string{"exam-table", "exam-card", "generic-item"}, pe.Inspection.SelectorsTried)
	require.NotEmpty(t, pe.Inspection.HTMLSample)
	require.Contains(t, pe.Inspection.HTMLSample, "maintenance")
}

func TestFetchEmptyStateIsNoSlots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><div class="exam__empty">No exams found</div></body></html>`))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL)
	result, err := f.Fetch(context.Background(), appointment.Filters{})
	require.NoError(t, err)
	require.Equal(t, appointment.ResultNoSlots, result.Type)
	require.Zero(t, result.AppointmentCount)
}

func TestFetchDropsItemsWithoutIdentity(t *testing.T) {
	page := `<html><body><div class="exams">
	  <a class="exam__item exam__item--open" href="/register/1">
	    <time datetime="2026-03-14">14 March</time>
	    <span class="exam__time">09:00-12:00</span>
	    <span class="exam__city">Tehran</span>
	  </a>
	  <a class="exam__item exam__item--open" href="/register/2">
	    <span class="exam__city">Tehran</span>
	  </a>
	</div></body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(page))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL)
	result, err := f.Fetch(context.Background(), appointment.Filters{})
	require.NoError(t, err)
	require.Equal(t, 1, result.AppointmentCount)
}

func TestClassifyStatusAmbiguityIsUnknown(t *testing.T) {
	page := `<html><body><div class="exams">
	  <a class="exam__item pending closed" href="#">
	    <time datetime="2026-03-14">14 March</time>
	    <span class="exam__time">09:00-12:00</span>
	    <span class="exam__city">Tehran</span>
	  </a>
	</div></body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(page))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL)
	result, err := f.Fetch(context.Background(), appointment.Filters{})
	require.NoError(t, err)
	require.Equal(t, 1, result.AppointmentCount)
	require.Equal(t, appointment.StatusUnknown, result.Appointments[0].Status)
}
