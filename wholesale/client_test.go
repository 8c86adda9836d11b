package wholesale

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGetRegionSummary_ParsesMatchingRegion(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/summary", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ELEC_NEM_SUMMARY":[
			{"REGIONID":"NSW1","PRICE":"85.32","PRICE_STATUS":"FIRM","TOTALDEMAND":"7000.0","SETTLEMENTDATE":"2026-07-31T12:30:00"},
			{"REGIONID":"QLD1","PRICE":"60.10","PRICE_STATUS":"FIRM","TOTALDEMAND":"5000.0","SETTLEMENTDATE":"2026-07-31T12:30:00"}
		]}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := NewClientWithURLs(server.URL+"/summary", "")
	got, err := c.GetRegionSummary(context.Background(), "NSW1")
	if err != nil {
		t.Fatalf("GetRegionSummary: %v", err)
	}
	if got.PriceMWh != 85.32 {
		t.Errorf("PriceMWh = %v, want 85.32", got.PriceMWh)
	}
	if got.PriceStatus != "FIRM" {
		t.Errorf("PriceStatus = %q, want FIRM", got.PriceStatus)
	}
}

func TestGetRegionSummary_UnknownRegion(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/summary", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ELEC_NEM_SUMMARY":[{"REGIONID":"NSW1","PRICE":"85.32","PRICE_STATUS":"FIRM","TOTALDEMAND":"7000.0","SETTLEMENTDATE":"2026-07-31T12:30:00"}]}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := NewClientWithURLs(server.URL+"/summary", "")
	_, err := c.GetRegionSummary(context.Background(), "VIC1")
	if err == nil {
		t.Fatal("expected error for unknown region")
	}
}

func buildTestZip(t *testing.T, csvBody string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("PUBLIC_PREDISPATCH_20260731_LEGACY.CSV")
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	if _, err := f.Write([]byte(csvBody)); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func TestGetPredispatchForecast_ParsesLatestZip(t *testing.T) {
	csvBody := "I,PDREGION,REGION,1,REGIONID,PERIOD_DATETIME,RRP\n" +
		"D,PDREGION,REGION,1,NSW1,2026/07/31 13:00:00,95.50\n" +
		"D,PDREGION,REGION,1,QLD1,2026/07/31 13:00:00,70.20\n"
	zipBytes := buildTestZip(t, csvBody)

	mux := http.NewServeMux()
	mux.HandleFunc("/dir/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".zip") {
			w.Write(zipBytes)
			return
		}
		w.Write([]byte(`<a href="PUBLIC_PREDISPATCH_20260731_LEGACY.zip">link</a>`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := NewClientWithURLs("", server.URL+"/dir/")
	rows, err := c.GetPredispatchForecast(context.Background(), "NSW1")
	if err != nil {
		t.Fatalf("GetPredispatchForecast: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	if rows[0].PriceMWh != 95.50 {
		t.Errorf("PriceMWh = %v, want 95.50", rows[0].PriceMWh)
	}
}

func TestToCentsPerKwh(t *testing.T) {
	if got := ToCentsPerKwh(100.0); got != 10.0 {
		t.Errorf("ToCentsPerKwh(100) = %v, want 10", got)
	}
}
