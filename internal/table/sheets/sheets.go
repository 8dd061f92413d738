// Package sheets is a table.Client backed by one worksheet of a Google
// spreadsheet. The first row holds column headers; every other row with a
// value in the run column is a run.
package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/animus-labs/runsync/internal/run"
	"github.com/animus-labs/runsync/internal/table"
)

type Config struct {
	APIURL          string
	DriveURL        string
	SpreadsheetName string
	WorksheetName   string
	NameColumn      string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIURL) == "" {
		return errors.New("sheets api url is required")
	}
	if strings.TrimSpace(c.DriveURL) == "" {
		return errors.New("drive api url is required")
	}
	if strings.TrimSpace(c.SpreadsheetName) == "" {
		return errors.New("spreadsheet name is required")
	}
	if strings.TrimSpace(c.WorksheetName) == "" {
		return errors.New("worksheet name is required")
	}
	return nil
}

// ErrMalformed reports a worksheet without the header layout runsync needs.
var ErrMalformed = errors.New("malformed worksheet")

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("sheets api error (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("sheets api error (status=%d): %s", e.StatusCode, body)
}

type Client struct {
	table.Tracker

	cfg           Config
	http          *http.Client
	spreadsheetID string
	headers       []string
}

var _ table.Client = (*Client)(nil)

// New resolves the spreadsheet by name and returns a client with an empty
// snapshot. httpClient must already be authenticated.
func New(ctx context.Context, cfg Config, httpClient *http.Client) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if httpClient == nil {
		return nil, errors.New("http client is required")
	}
	if strings.TrimSpace(cfg.NameColumn) == "" {
		cfg.NameColumn = "run"
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	cfg.DriveURL = strings.TrimRight(cfg.DriveURL, "/")

	c := &Client{cfg: cfg, http: httpClient}
	id, err := c.resolveSpreadsheet(ctx)
	if err != nil {
		return nil, err
	}
	c.spreadsheetID = id
	return c, nil
}

func (c *Client) SpreadsheetID() string {
	return c.spreadsheetID
}

func (c *Client) resolveSpreadsheet(ctx context.Context) (string, error) {
	name := strings.ReplaceAll(c.cfg.SpreadsheetName, `\`, `\\`)
	name = strings.ReplaceAll(name, `'`, `\'`)
	q := url.Values{}
	q.Set("q", fmt.Sprintf("name = '%s' and mimeType = 'application/vnd.google-apps.spreadsheet' and trashed = false", name))
	q.Set("fields", "files(id,name)")
	q.Set("pageSize", "2")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.DriveURL+"/drive/v3/files?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Files []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"files"`
	}
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("find spreadsheet %q: %w", c.cfg.SpreadsheetName, err)
	}
	switch len(out.Files) {
	case 0:
		return "", fmt.Errorf("spreadsheet %q not found", c.cfg.SpreadsheetName)
	case 1:
		return out.Files[0].ID, nil
	default:
		return "", fmt.Errorf("spreadsheet name %q is ambiguous", c.cfg.SpreadsheetName)
	}
}

// Refresh fetches the worksheet and diffs it against the previous snapshot.
func (c *Client) Refresh(ctx context.Context) error {
	q := url.Values{}
	q.Set("majorDimension", "ROWS")
	q.Set("valueRenderOption", "FORMATTED_VALUE")
	endpoint := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s?%s",
		c.cfg.APIURL, url.PathEscape(c.spreadsheetID), url.PathEscape(c.cfg.WorksheetName), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	var out struct {
		Values [][]string `json:"values"`
	}
	if err := c.do(req, &out); err != nil {
		return fmt.Errorf("read worksheet %q: %w", c.cfg.WorksheetName, err)
	}
	if len(out.Values) == 0 {
		return fmt.Errorf("%w: worksheet %q has no header row", ErrMalformed, c.cfg.WorksheetName)
	}

	headers := make([]string, len(out.Values[0]))
	for i, h := range out.Values[0] {
		headers[i] = table.NormalizeHeader(h)
	}
	nameColumn := table.NormalizeHeader(c.cfg.NameColumn)
	if indexOf(headers, nameColumn) < 0 {
		return fmt.Errorf("%w: worksheet %q has no %q column", ErrMalformed, c.cfg.WorksheetName, c.cfg.NameColumn)
	}

	rows := make([]table.Row, 0, len(out.Values)-1)
	for i, cells := range out.Values[1:] {
		fields := make(run.Fields, len(headers))
		for col, h := range headers {
			if h == "" {
				continue
			}
			if col < len(cells) {
				fields[h] = cells[col]
			} else {
				fields[h] = ""
			}
		}
		rows = append(rows, table.Row{Name: fields[nameColumn], Fields: fields, Line: i + 2})
	}

	c.headers = headers
	c.Apply(rows)
	return nil
}

type valueRange struct {
	Range  string     `json:"range"`
	Values [][]string `json:"values"`
}

// Write stores status and job ids for every run that has a row in the last
// snapshot. Rows that moved since that snapshot are overwritten by address.
func (c *Client) Write(ctx context.Context, runs []run.Snapshot) error {
	statusCol := indexOf(c.headers, run.FieldStatus)
	if statusCol < 0 {
		return fmt.Errorf("%w: worksheet %q has no %q column", ErrMalformed, c.cfg.WorksheetName, run.FieldStatus)
	}
	jobCol := indexOf(c.headers, run.FieldJob)

	data := make([]valueRange, 0, len(runs))
	for _, r := range runs {
		row, ok := c.Row(r.Name)
		if !ok {
			continue
		}
		data = append(data, valueRange{
			Range:  cellRange(c.cfg.WorksheetName, statusCol, row.Line),
			Values: [][]string{{string(r.Status)}},
		})
		if jobCol >= 0 && len(r.JobIDs) > 0 {
			data = append(data, valueRange{
				Range:  cellRange(c.cfg.WorksheetName, jobCol, row.Line),
				Values: [][]string{{strings.Join(r.JobIDs, " ")}},
			})
		}
	}
	if len(data) == 0 {
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"valueInputOption": "RAW",
		"data":             data,
	})
	if err != nil {
		return fmt.Errorf("marshal batch update: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v4/spreadsheets/%s/values:batchUpdate", c.cfg.APIURL, url.PathEscape(c.spreadsheetID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("write worksheet %q: %w", c.cfg.WorksheetName, err)
	}
	return nil
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode sheets response: %w", err)
	}
	return nil
}

func indexOf(headers []string, name string) int {
	for i, h := range headers {
		if h == name {
			return i
		}
	}
	return -1
}

// cellRange renders an A1 reference such as 'Run log'!C5.
func cellRange(sheet string, col, line int) string {
	return "'" + strings.ReplaceAll(sheet, "'", "''") + "'!" + columnLetters(col) + fmt.Sprint(line)
}

// columnLetters converts a zero-based column index to A, B, ..., Z, AA, ...
func columnLetters(col int) string {
	var b []byte
	for n := col + 1; n > 0; n = (n - 1) / 26 {
		b = append([]byte{byte('A' + (n-1)%26)}, b...)
	}
	return string(b)
}
