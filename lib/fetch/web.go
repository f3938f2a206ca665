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
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/slotwatch/slotwatch/lib/appointment"
	"github.com/slotwatch/slotwatch/lib/defaults"
)

// WebConfig configures the default timetable fetcher.
type WebConfig struct {
	// BaseURL is the timetable page.
	BaseURL string
	// Timeout bounds one Fetch call end to end.
	Timeout time.Duration
	// Clock is the time source.
	Clock clockwork.Clock
	// Log receives fetch diagnostics.
	Log *slog.Logger
	// Client overrides the HTTP client, used in tests.
	Client *resty.Client
}

// CheckAndSetDefaults validates the fetcher config.
func (c *WebConfig) CheckAndSetDefaults() error {
	if c.BaseURL == "" {
		return trace.BadParameter("missing fetcher base URL")
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.FetchTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Client == nil {
		c.Client = resty.New().
			SetTimeout(c.Timeout).
			SetRetryCount(1).
			SetRetryWaitTime(500 * time.Millisecond).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				// Retry once on transport failures only; HTTP-level errors
				// are handled by the caller's taxonomy.
				return err != nil
			}).
			SetHeader("User-Agent", "slotwatch/1.0")
	}
	return nil
}

// WebFetcher scrapes the timetable page and classifies slots by applying a
// prioritized cascade of selector families. It keeps no mutable state between
// calls.
type WebFetcher struct {
	cfg WebConfig
}

// NewWebFetcher builds the default fetcher.
func NewWebFetcher(cfg WebConfig) (*WebFetcher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &WebFetcher{cfg: cfg}, nil
}

// Fetch implements Fetcher.
func (f *WebFetcher) Fetch(ctx context.Context, filters appointment.Filters) (*appointment.CheckResult, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	params := url.Values{}
	for _, city := range filters.Cities {
		params.Add("city[]", strings.ToLower(city))
	}
	for _, model := range filters.ExamModels {
		params.Add("model[]", strings.ToLower(string(model)))
	}
	for _, month := range filters.Months {
		params.Add("month[]", strconv.Itoa(month))
	}
	req := f.cfg.Client.R().SetContext(ctx).SetQueryParamsFromValues(params)

	resp, err := req.Get(f.cfg.BaseURL)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "could not fetch timetable from %v", f.cfg.BaseURL)
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusTooManyRequests:
		return nil, NewRateLimited(parseRetryAfter(resp.Header().Get("Retry-After")))
	case code >= 500:
		return nil, trace.ConnectionProblem(nil, "timetable returned status %v", code)
	case code != http.StatusOK:
		return nil, trace.BadParameter("timetable returned unexpected status %v", code)
	}

	slots, inspection, err := f.parse(resp.String())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	f.cfg.Log.Debug("Parsed timetable page.",
		"slots", len(slots), "families_tried", inspection.SelectorsTried)

	filtered := slots[:0]
	for _, s := range slots {
		if filters.MatchCity(s.City) && filters.MatchExamType(s.ExamType) && filters.MatchDate(s.Date) {
			filtered = append(filtered, s)
		}
	}
	result := appointment.NewCheckResult(filtered, resp.Request.URL, f.cfg.Clock.Now().UTC())
	return &result, nil
}

// selectorFamily is one strategy for locating slot markup on the page. The
// cascade runs in priority order and keeps the family with the highest
// confidence score.
type selectorFamily struct {
	name string
	item string
	// weight biases the cascade towards more specific markup.
	weight float64
}

var selectorCascade = []selectorFamily{
	{name: "exam-table", item: "table.exam__table tbody tr, table.timetable tbody tr", weight: 1.0},
	{name: "exam-card", item: "a.exam__item, div.exam__item", weight: 0.9},
	{name: "generic-item", item: "[data-exam-id], li.exam", weight: 0.7},
}

const htmlSampleLimit = 4096

func (f *WebFetcher) parse(body string) ([]appointment.Appointment, *Inspection, error) {
	inspection := &Inspection{
		Timestamp:  f.cfg.Clock.Now().UTC(),
		URL:        f.cfg.BaseURL,
		Confidence: make(map[string]float64),
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		inspection.HTMLSample = truncate(body, htmlSampleLimit)
		return nil, inspection, NewParseError("timetable page is not parseable HTML", inspection)
	}

	var (
		best      []appointment.Appointment
		bestScore float64
	)
	for _, family := range selectorCascade {
		inspection.SelectorsTried = append(inspection.SelectorsTried, family.name)
		items := doc.Find(family.item)
		if items.Length() == 0 {
			inspection.Confidence[family.name] = 0
			continue
		}
		slots, parsed := parseFamily(items)
		score := family.weight * float64(parsed) / float64(items.Length())
		inspection.Confidence[family.name] = score
		if score > bestScore {
			best, bestScore = slots, score
		}
	}

	if bestScore == 0 {
		// An explicit empty-state marker is a valid no-slots page, not a
		// parse failure.
		if doc.Find(".exam__empty, .no-results, .empty-state").Length() > 0 {
			return nil, inspection, nil
		}
		inspection.HTMLSample = truncate(body, htmlSampleLimit)
		return nil, inspection, NewParseError("no selector family matched the timetable page", inspection)
	}
	return best, inspection, nil
}

// parseFamily extracts slots from the matched items, counting how many parsed
// cleanly. Items with a readable identity but ambiguous status stay in the
// result as unknown; items without an identity are dropped.
func parseFamily(items *goquery.Selection) (slots []appointment.Appointment, parsed int) {
	items.Each(func(_ int, sel *goquery.Selection) {
		slot, ok := parseItem(sel)
		if !ok {
			return
		}
		parsed++
		slots = append(slots, slot)
	})
	return slots, parsed
}

func parseItem(sel *goquery.Selection) (appointment.Appointment, bool) {
	slot := appointment.Appointment{
		Date:     firstText(sel, "time[datetime], .exam__date, .date, td.date"),
		Time:     firstText(sel, ".exam__time, .time, td.time"),
		City:     firstText(sel, ".exam__city, .city, td.city"),
		Location: firstText(sel, ".exam__location, .location, td.location"),
	}
	if dt, ok := sel.Find("time[datetime]").Attr("datetime"); ok {
		slot.Date = dt
	}
	slot.ExamType = appointment.ExamType(strings.ToUpper(firstText(sel, ".exam__model, .model, td.model")))
	if slot.ExamType == "" {
		slot.ExamType = appointment.ExamIELTS
	}
	if price := digitsOnly(firstText(sel, ".exam__price, .price, td.price")); price != "" {
		slot.Price, _ = strconv.ParseInt(price, 10, 64)
	}
	if href, ok := sel.Find("a[href*='register'], a.btn").Attr("href"); ok {
		slot.RegistrationURL = href
	} else if href, ok := sel.Attr("href"); ok && strings.Contains(href, "register") {
		// Card markup makes the item itself the registration link.
		slot.RegistrationURL = href
	}
	slot.Status = classifyStatus(sel)

	if err := slot.CheckAndSetDefaults(); err != nil {
		return appointment.Appointment{}, false
	}
	return slot, true
}

// statusIndicator maps one observable page signal to a status. Indicators are
// ordered: the first match wins, and conflicting signals downgrade to
// unknown.
type statusIndicator struct {
	status  appointment.Status
	classes []string
	words   []string
}

var statusIndicators = []statusIndicator{
	{
		status:  appointment.StatusFilled,
		classes: []string{"disabled", "full", "filled", "exam__item--full"},
		words:   []string{"filled", "full", "sold out", "تکمیل"},
	},
	{
		status:  appointment.StatusNotRegisterable,
		classes: []string{"closed", "not-registerable"},
		words:   []string{"closed", "not registerable"},
	},
	{
		status:  appointment.StatusPending,
		classes: []string{"pending", "soon"},
		words:   []string{"pending", "coming soon"},
	},
	{
		status:  appointment.StatusAvailable,
		classes: []string{"available", "btn-register", "exam__item--open"},
		words:   []string{"available", "register"},
	},
}

func classifyStatus(sel *goquery.Selection) appointment.Status {
	classAttr, _ := sel.Attr("class")
	classAttr += " " + joinAttrs(sel.Find("a, button, span.status"), "class")
	text := strings.ToLower(sel.Text())

	var matched []appointment.Status
	for _, ind := range statusIndicators {
		if matchesIndicator(ind, strings.ToLower(classAttr), text) {
			matched = append(matched, ind.status)
		}
	}
	switch len(matched) {
	case 1:
		return matched[0]
	case 2:
		// A register link under a disabled container is a filled slot; any
		// other combination is ambiguous.
		if matched[0] == appointment.StatusFilled && matched[1] == appointment.StatusAvailable {
			return appointment.StatusFilled
		}
	}
	return appointment.StatusUnknown
}

func matchesIndicator(ind statusIndicator, classes, text string) bool {
	for _, c := range ind.classes {
		if strings.Contains(classes, c) {
			return true
		}
	}
	for _, w := range ind.words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

func firstText(sel *goquery.Selection, selector string) string {
	return strings.TrimSpace(sel.Find(selector).First().Text())
}

func joinAttrs(sel *goquery.Selection, attr string) string {
	var parts []string
	sel.Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr(attr); ok {
			parts = append(parts, v)
		}
	})
	return strings.Join(parts, " ")
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
