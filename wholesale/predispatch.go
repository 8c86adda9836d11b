package wholesale

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// predispatchFilePattern matches the latest legacy pre-dispatch ZIP in the
// NEMWeb directory listing (spec.md §6).
var predispatchFilePattern = regexp.MustCompile(`PUBLIC_PREDISPATCH_\w*_LEGACY\.zip`)

// PredispatchInterval is one 30-minute, 48-hour-horizon forecast row.
type PredispatchInterval struct {
	Region      string
	PeriodStart time.Time
	PriceMWh    float64
}

// predispatchCache is a filename-keyed cache so repeated reads within the
// same publication window are free, matching
// scheduler.WeatherForecastCache's shape in the teacher.
type predispatchCache struct {
	mu       sync.Mutex
	filename string
	data     []PredispatchInterval
}

func (c *predispatchCache) get(filename string) ([]PredispatchInterval, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.filename == filename && c.data != nil {
		return c.data, true
	}
	return nil, false
}

func (c *predispatchCache) set(filename string, data []PredispatchInterval) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filename = filename
	c.data = data
}

// GetPredispatchForecast downloads the pre-dispatch directory listing,
// finds the latest PUBLIC_PREDISPATCH_*_LEGACY.zip, unzips it in memory,
// parses the CSV, and returns rows for region. Repeated calls within the
// same publication window return the cached parse.
func (c *Client) GetPredispatchForecast(ctx context.Context, region string) ([]PredispatchInterval, error) {
	filename, err := c.latestPredispatchFilename(ctx)
	if err != nil {
		return nil, err
	}

	if cached, ok := c.cache().get(filename); ok {
		return filterRegion(cached, region), nil
	}

	all, err := c.downloadAndParse(ctx, filename)
	if err != nil {
		return nil, err
	}
	c.cache().set(filename, all)
	return filterRegion(all, region), nil
}

func filterRegion(all []PredispatchInterval, region string) []PredispatchInterval {
	out := make([]PredispatchInterval, 0, len(all))
	for _, row := range all {
		if row.Region == region {
			out = append(out, row)
		}
	}
	return out
}

func (c *Client) cache() *predispatchCache { return &c.predispatch }

func (c *Client) latestPredispatchFilename(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, predispatchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.predispatchDir, nil)
	if err != nil {
		return "", fmt.Errorf("wholesale: build directory request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("wholesale: fetch directory listing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("wholesale: directory listing status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("wholesale: read directory listing: %w", err)
	}

	matches := predispatchFilePattern.FindAllString(string(body), -1)
	if len(matches) == 0 {
		return "", fmt.Errorf("wholesale: no pre-dispatch legacy zip found in directory listing")
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

func (c *Client) downloadAndParse(ctx context.Context, filename string) ([]PredispatchInterval, error) {
	ctx, cancel := context.WithTimeout(ctx, predispatchTimeout)
	defer cancel()

	url := c.predispatchDir + filename
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wholesale: build zip request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wholesale: fetch zip %s: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wholesale: zip %s status %d", filename, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("wholesale: read zip body: %w", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("wholesale: open zip: %w", err)
	}

	var rows []PredispatchInterval
	for _, f := range zr.File {
		if !strings.HasSuffix(strings.ToLower(f.Name), ".csv") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("wholesale: open csv entry %s: %w", f.Name, err)
		}
		parsed, err := parsePredispatchCSV(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("wholesale: parse csv %s: %w", f.Name, err)
		}
		rows = append(rows, parsed...)
	}
	return rows, nil
}

// parsePredispatchCSV reads "D,PDREGION,...,REGIONID,PERIOD_DATETIME,RRP,..."
// rows (spec.md §6). Prices arrive in $/MWh; this function leaves them
// unconverted — callers divide by 10 for cents/kWh once the row's field
// position is resolved against the header.
func parsePredispatchCSV(r io.Reader) ([]PredispatchInterval, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var rows []PredispatchInterval
	var regionIdx, periodIdx, rrpIdx = -1, -1, -1

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) == 0 {
			continue
		}
		switch record[0] {
		case "I": // header row
			for i, col := range record {
				switch col {
				case "REGIONID":
					regionIdx = i
				case "PERIOD_DATETIME", "DATETIME":
					periodIdx = i
				case "RRP":
					rrpIdx = i
				}
			}
		case "D": // data row
			if regionIdx < 0 || periodIdx < 0 || rrpIdx < 0 {
				continue
			}
			if regionIdx >= len(record) || periodIdx >= len(record) || rrpIdx >= len(record) {
				continue
			}
			price, err := strconv.ParseFloat(strings.TrimSpace(record[rrpIdx]), 64)
			if err != nil {
				continue
			}
			periodStart, err := time.Parse("2006/01/02 15:04:05", strings.TrimSpace(record[periodIdx]))
			if err != nil {
				periodStart, err = time.Parse("2006-01-02 15:04:05", strings.TrimSpace(record[periodIdx]))
				if err != nil {
					continue
				}
			}
			rows = append(rows, PredispatchInterval{
				Region:      strings.TrimSpace(record[regionIdx]),
				PeriodStart: periodStart,
				PriceMWh:    price,
			})
		}
	}
	return rows, nil
}

// ToCentsPerKwh converts a $/MWh price to cents/kWh (spec.md §6: "divide
// by 10").
func ToCentsPerKwh(priceMWh float64) float64 {
	return priceMWh / 10.0
}
