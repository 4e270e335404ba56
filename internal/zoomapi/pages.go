package zoomapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"calletl/internal/metrics"
	"calletl/internal/records"
	"calletl/internal/runlog"
)

// MaxPageSize is the provider-imposed ceiling on page_size. Larger values
// are a configuration error and are rejected before any request is sent.
const MaxPageSize = 300

const callLogsPath = "/v2/phone/call_logs"

// ErrMissingPageToken reports a response that omitted next_page_token before
// the expected terminal page. Requesting the raw first-page URL again would
// silently restart the window, so this is fatal.
var ErrMissingPageToken = errors.New("zoomapi: response missing next_page_token before terminal page")

// Window is an inclusive extraction date range, both ends as "2006-01-02".
type Window struct {
	Start string
	End   string
}

// page mirrors one call-log API response. total_records is only meaningful
// on the first page.
type page struct {
	TotalRecords  int              `json:"total_records"`
	NextPageToken string           `json:"next_page_token"`
	CallLogs      []map[string]any `json:"call_logs"`
}

// PageFetcher walks the paginated call-log listing for one window.
//
// Protocol:
//  1. The first response reports total_records; the expected page count is
//     records/page_size plus one more page for any remainder.
//  2. Every later request carries the continuation token from the previous
//     response, with the date range and page_size preserved.
//  3. The walk ends exactly when the page counter reaches the expected
//     count; no page is repeated or skipped.
//
// Zero available records is a legitimate outcome: it is logged at error
// level (someone usually wants to know) and returns an empty table, not an
// error.
type PageFetcher struct {
	Client   *Client
	Issuer   *TokenIssuer
	PageSize int
	Log      *runlog.Logger
}

// Fetch pulls every available call record in the window into one table.
func (f *PageFetcher) Fetch(ctx context.Context, w Window) (*records.Table, error) {
	if f.PageSize < 1 {
		return nil, fmt.Errorf("zoomapi: page_size %d must be at least 1", f.PageSize)
	}
	if f.PageSize > MaxPageSize {
		return nil, fmt.Errorf("zoomapi: page_size %d exceeds the maximum of %d", f.PageSize, MaxPageSize)
	}

	token, err := f.Issuer.Issue()
	if err != nil {
		return nil, err
	}
	header := http.Header{
		"Authorization": []string{"Bearer " + token},
		"Content-Type":  []string{"application/json"},
	}

	reqURL := f.pageURL(w, "")
	tbl := records.New(nil)

	pages := 0
	counter := 0
	for {
		body, err := f.Client.Get(ctx, reqURL, header)
		if err != nil {
			return nil, err
		}
		counter++

		var pg page
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&pg); err != nil {
			return nil, fmt.Errorf("zoomapi: decode page %d: %w", counter, err)
		}

		if counter == 1 {
			f.Log.Infof("extract", "%d records available between %s and %s", pg.TotalRecords, w.Start, w.End)
			if pg.TotalRecords == 0 {
				f.Log.Errorf("extract", "no records available between %s and %s", w.Start, w.End)
				return tbl, nil
			}
			pages = pageCount(pg.TotalRecords, f.PageSize)
		}

		for _, rec := range pg.CallLogs {
			tbl.AppendMap(rec)
		}
		metrics.IncCounter(metrics.MetricBatchesTotal, 1, nil)

		if counter == pages {
			return tbl, nil
		}
		if pg.NextPageToken == "" {
			return nil, fmt.Errorf("zoomapi: page %d of %d: %w", counter, pages, ErrMissingPageToken)
		}
		reqURL = f.pageURL(w, pg.NextPageToken)
	}
}

// pageURL builds a call-log listing URL. The date range and page_size are
// identical on every page; only the continuation token varies.
func (f *PageFetcher) pageURL(w Window, nextPageToken string) string {
	q := url.Values{}
	q.Set("page_size", strconv.Itoa(f.PageSize))
	if nextPageToken != "" {
		q.Set("next_page_token", nextPageToken)
	}
	q.Set("from", w.Start)
	q.Set("to", w.End)
	return f.Client.BaseURL() + callLogsPath + "?" + q.Encode()
}

// pageCount derives the number of pages from the reported record total:
// full pages plus one more when a partial page remains.
func pageCount(totalRecords, pageSize int) int {
	pages := totalRecords / pageSize
	if totalRecords%pageSize != 0 {
		pages++
	}
	return pages
}
