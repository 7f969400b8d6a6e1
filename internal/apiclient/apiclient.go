// Package apiclient wraps the upstream Hello Club events API: paginated
// HTTP calls gated by a circuit breaker, validated against the expected
// record shape, and backed by the response cache for stale-fallback reads.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/ispyisail/clubprint-engine/internal/breaker"
	"github.com/ispyisail/clubprint-engine/internal/cache"
	"github.com/ispyisail/clubprint-engine/internal/clock"
	"github.com/ispyisail/clubprint-engine/internal/config"
	"github.com/ispyisail/clubprint-engine/internal/errkind"
	"github.com/sirupsen/logrus"
)

const (
	requestTimeout = 30 * time.Second
	maxPages       = 100
)

// Event is the upstream event record shape consumed from the events list
// endpoint.
type Event struct {
	ID         string    `json:"id" validate:"required"`
	Name       string    `json:"name" validate:"required"`
	StartDate  time.Time `json:"startDate" validate:"required"`
	Categories []string  `json:"-"`
}

type rawCategory struct {
	Name string `json:"name"`
}

type rawEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	StartDate  string        `json:"startDate"`
	Categories []rawCategory `json:"categories"`
}

type eventsResponse struct {
	Events []rawEvent `json:"events"`
}

// Attendee is one row on the attendee roster for a single event.
type Attendee struct {
	FirstName  string  `json:"firstName" validate:"required"`
	LastName   string  `json:"lastName" validate:"required"`
	Phone      string  `json:"phone"`
	SignUpDate string  `json:"signUpDate" validate:"required"`
	HasFee     bool    `json:"hasFee"`
	IsPaid     bool    `json:"isPaid"`
	Fee        float64 `json:"fee"`
}

type rawAttendee struct {
	FirstName  string  `json:"firstName"`
	LastName   string  `json:"lastName"`
	Phone      string  `json:"phone"`
	SignUpDate string  `json:"signUpDate"`
	HasFee     bool    `json:"hasFee"`
	IsPaid     bool    `json:"isPaid"`
	Rule       struct {
		Fee float64 `json:"fee"`
	} `json:"rule"`
}

type attendeesResponse struct {
	Attendees []rawAttendee `json:"attendees"`
	Meta      struct {
		Total int `json:"total"`
	} `json:"meta"`
}

// Client is the Hello Club API client: HTTP transport, cache, circuit
// breaker, and validation composed into event listing and roster lookup.
type Client struct {
	baseURL    string
	bearerToken string
	httpClient *http.Client
	cache      *cache.Cache
	breaker    *breaker.Breaker
	limiter    *rate.Limiter
	validate   *validator.Validate
	cfg        config.APIConfig
	clk        clock.Clock
	log        *logrus.Logger
}

// New builds a Client. bearerToken is read by the caller from the
// environment and passed in explicitly; it is never logged.
func New(baseURL, bearerToken string, cfg config.APIConfig, clk clock.Clock, log *logrus.Logger) *Client {
	return &Client{
		baseURL:     baseURL,
		bearerToken: bearerToken,
		httpClient:  &http.Client{Timeout: requestTimeout},
		cache:       cache.New(cache.DefaultCapacity, clk),
		breaker:     breaker.New("api", breaker.DefaultConfig(), clk),
		limiter:     rate.NewLimiter(rate.Every(200*time.Millisecond), 20),
		validate:    validator.New(),
		cfg:         cfg,
		clk:         clk,
		log:         log,
	}
}

// BreakerStatus exposes the API breaker's snapshot for health reporting.
func (c *Client) BreakerStatus() breaker.Status { return c.breaker.Status() }

// CacheUtilization reports the response cache's current entry count against
// its configured capacity, for health reporting.
func (c *Client) CacheUtilization() (len, capacity int) {
	return c.cache.Len(), cache.DefaultCapacity
}

// ListUpcomingEvents returns events starting within the next windowHours,
// sorted by start date ascending (per the upstream sort=startDate contract).
func (c *Client) ListUpcomingEvents(ctx context.Context, windowHours int) ([]Event, error) {
	now := c.clk.Now().UTC()
	until := now.Add(time.Duration(windowHours) * time.Hour)

	q := url.Values{}
	q.Set("fromDate", now.Format(time.RFC3339))
	q.Set("toDate", until.Format(time.RFC3339))
	q.Set("sort", "startDate")

	key := "events:" + q.Encode()
	var out eventsResponse
	if err := c.doCached(ctx, key, "/event?"+q.Encode(), true, &out); err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(out.Events))
	for _, re := range out.Events {
		start, err := time.Parse(time.RFC3339, re.StartDate)
		if err != nil || re.ID == "" || re.Name == "" {
			c.log.WithField("eventId", re.ID).Warn("apiclient: dropping invalid event record")
			continue
		}
		cats := make([]string, 0, len(re.Categories))
		for _, rc := range re.Categories {
			cats = append(cats, rc.Name)
		}
		events = append(events, Event{ID: re.ID, Name: re.Name, StartDate: start, Categories: cats})
	}
	if len(out.Events) > 0 && len(events) == 0 {
		return nil, errkind.Newf(errkind.Validation, "apiclient: all event records invalid")
	}
	return events, nil
}

// GetAttendees returns the full attendee roster for eventID, paginated
// upstream at cfg.PaginationLimit with a pause of cfg.PaginationDelayMs
// between pages, up to maxPages. acceptStale controls whether a cached
// stale response may be returned when the live call fails.
func (c *Client) GetAttendees(ctx context.Context, eventID string, acceptStale bool) ([]Attendee, error) {
	key := "attendees:" + eventID

	if !c.breaker.Allow() {
		if v, _, ok := c.cache.Get(key, acceptStale); ok {
			return v.([]Attendee), nil
		}
		return nil, errkind.Newf(errkind.CircuitOpen, "apiclient: attendees for %s: circuit open, no stale cache", eventID)
	}

	attendees, err := c.fetchAllAttendeePages(ctx, eventID)
	if err != nil {
		c.breaker.RecordFailure()
		if errkind.Is(err, errkind.Auth) {
			return nil, err
		}
		if v, _, ok := c.cache.Get(key, acceptStale); ok {
			c.log.WithField("eventId", eventID).Warn("apiclient: live attendee fetch failed, serving stale cache")
			return v.([]Attendee), nil
		}
		return nil, errkind.New(errkind.Unavailable, err)
	}
	c.breaker.RecordSuccess()

	c.cache.Set(key, attendees,
		time.Duration(c.cfg.CacheFreshSeconds)*time.Second,
		time.Duration(c.cfg.CacheStaleSeconds)*time.Second)
	return attendees, nil
}

func (c *Client) fetchAllAttendeePages(ctx context.Context, eventID string) ([]Attendee, error) {
	if !c.limiter.Allow() {
		return nil, errkind.Newf(errkind.TransientRemote, "apiclient: attendees for %s: local rate limit exceeded", eventID)
	}

	var all []Attendee
	var totalRecords int
	offset := 0
	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		q.Set("event", eventID)
		q.Set("limit", strconv.Itoa(c.cfg.PaginationLimit))
		q.Set("offset", strconv.Itoa(offset))

		var out attendeesResponse
		if err := c.doRequest(ctx, http.MethodGet, "/eventAttendee?"+q.Encode(), nil, &out); err != nil {
			return nil, err
		}

		totalRecords += len(out.Attendees)
		for _, ra := range out.Attendees {
			a := Attendee{
				FirstName:  ra.FirstName,
				LastName:   ra.LastName,
				Phone:      ra.Phone,
				SignUpDate: ra.SignUpDate,
				HasFee:     ra.HasFee,
				IsPaid:     ra.IsPaid,
				Fee:        ra.Rule.Fee,
			}
			if err := c.validate.Struct(a); err != nil {
				c.log.WithField("eventId", eventID).Warn("apiclient: dropping invalid attendee record")
				continue
			}
			all = append(all, a)
		}

		if len(out.Attendees) < c.cfg.PaginationLimit || len(all) >= out.Meta.Total {
			break
		}
		offset += c.cfg.PaginationLimit

		if page < maxPages-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-c.clk.After(time.Duration(c.cfg.PaginationDelayMs) * time.Millisecond):
			}
		}
	}

	if totalRecords > 0 && len(all) == 0 {
		return nil, errkind.Newf(errkind.Validation, "apiclient: all attendee records invalid for event %s", eventID)
	}
	return all, nil
}

// doCached is the read-through path used by ListUpcomingEvents: fresh
// cache hit short-circuits the HTTP call entirely.
func (c *Client) doCached(ctx context.Context, key, path string, acceptStale bool, out any) error {
	if v, fr, ok := c.cache.Get(key, acceptStale); ok && fr == cache.Fresh {
		return json.Unmarshal(v.([]byte), out)
	}

	if !c.breaker.Allow() {
		if v, _, ok := c.cache.Get(key, acceptStale); ok {
			return json.Unmarshal(v.([]byte), out)
		}
		return errkind.Newf(errkind.CircuitOpen, "apiclient: %s: circuit open, no stale cache", path)
	}

	body, err := c.get(ctx, path)
	if err != nil {
		c.breaker.RecordFailure()
		if errkind.Is(err, errkind.Auth) {
			return err
		}
		if v, _, ok := c.cache.Get(key, acceptStale); ok {
			return json.Unmarshal(v.([]byte), out)
		}
		return errkind.New(errkind.Unavailable, err)
	}
	c.breaker.RecordSuccess()

	c.cache.Set(key, body,
		time.Duration(c.cfg.CacheFreshSeconds)*time.Second,
		time.Duration(c.cfg.CacheStaleSeconds)*time.Second)
	return json.Unmarshal(body, out)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte, out any) error {
	raw, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, bytes.NewReader(nil))
	if err != nil {
		return nil, fmt.Errorf("apiclient: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errkind.New(errkind.TransientRemote, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errkind.Newf(errkind.Auth, "apiclient: %s: upstream returned 401", path)
	}
	if resp.StatusCode >= 500 {
		return nil, errkind.Newf(errkind.TransientRemote, "apiclient: %s: upstream returned %d", path, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, errkind.Newf(errkind.Validation, "apiclient: %s: upstream returned %d", path, resp.StatusCode)
	}

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, errkind.New(errkind.TransientRemote, err)
	}
	return buf.Bytes(), nil
}
