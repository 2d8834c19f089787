package prayer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const aladhanBaseURL = "https://api.aladhan.com/v1"

// AladhanProvider fetches times from the Aladhan timingsByCity endpoint.
type AladhanProvider struct {
	client  *http.Client
	baseURL string
	city    string
	country string
	method  int
}

func NewAladhanProvider(city, country string, method int) *AladhanProvider {
	return &AladhanProvider{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: aladhanBaseURL,
		city:    city,
		country: country,
		method:  method,
	}
}

// WithBaseURL points the provider at another server, e.g. a test server.
func (a *AladhanProvider) WithBaseURL(u string) *AladhanProvider {
	a.baseURL = u
	return a
}

func (a *AladhanProvider) Name() string { return "aladhan" }

type aladhanResp struct {
	Code   int    `json:"code"`
	Status string `json:"status"`
	Data   struct {
		Timings map[string]string `json:"timings"`
	} `json:"data"`
}

func (a *AladhanProvider) Schedule(ctx context.Context, day time.Time) (Schedule, error) {
	q := url.Values{}
	q.Set("city", a.city)
	q.Set("country", a.country)
	q.Set("method", strconv.Itoa(a.method))
	u := fmt.Sprintf("%s/timingsByCity/%s?%s", a.baseURL, day.Format("02-01-2006"), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Schedule{}, err
	}
	req.Header.Set("User-Agent", "adhaanlive/1.0")

	resp, err := a.client.Do(req)
	if err != nil {
		return Schedule{}, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Schedule{}, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Schedule{}, fmt.Errorf("aladhan status %d", resp.StatusCode)
	}

	var r aladhanResp
	if err := json.Unmarshal(body, &r); err != nil {
		return Schedule{}, fmt.Errorf("parse json: %w", err)
	}
	if r.Code != 200 {
		return Schedule{}, fmt.Errorf("API error %d: %s", r.Code, r.Status)
	}

	var times [5]Clock
	for _, p := range All {
		raw, ok := r.Data.Timings[p.String()]
		if !ok {
			return Schedule{}, fmt.Errorf("response missing %s", p)
		}
		c, err := ParseClock(raw)
		if err != nil {
			return Schedule{}, fmt.Errorf("%s: %w", p, err)
		}
		times[p] = c
	}
	return NewSchedule(day, times, a.Name())
}
