package fhir

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestParseETag(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{`W/"3"`, "3", false},
		{`"5"`, "5", false},
		{` W/"12" `, "12", false},
		{`42`, "42", false},
		{`"abc"`, "", true},
		{`W/""`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseETag(tt.input)
			if tt.wantErr != (err != nil) {
				t.Fatalf("ParseETag(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseETag(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestFormatETag_RoundTrip(t *testing.T) {
	etag := FormatETag("7")
	if etag != `W/"7"` {
		t.Fatalf("expected W/\"7\", got %s", etag)
	}
	if v, err := ParseETag(etag); err != nil || v != "7" {
		t.Errorf("expected round trip to 7, got %q, %v", v, err)
	}
}

func TestNextVersion(t *testing.T) {
	tests := []struct {
		current string
		want    string
		wantErr bool
	}{
		{"", FirstVersion, false},
		{"1", "2", false},
		{"41", "42", false},
		{"0", "", true},
		{"v2", "", true},
	}
	for _, tt := range tests {
		got, err := NextVersion(tt.current)
		if tt.wantErr {
			if StatusOf(err) != http.StatusBadRequest {
				t.Errorf("NextVersion(%q): expected 400, got %v", tt.current, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("NextVersion(%q) = %q, %v; want %q", tt.current, got, err, tt.want)
		}
	}
}

func TestSetVersionHeaders(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	SetVersionHeaders(c, "3", when)

	if got := rec.Header().Get("ETag"); got != `W/"3"` {
		t.Errorf("expected ETag W/\"3\", got %q", got)
	}
	if got := rec.Header().Get("Last-Modified"); got != "Fri, 01 Mar 2024 11:00:00 UTC" {
		t.Errorf("unexpected Last-Modified %q", got)
	}
}

func TestSetVersionHeaders_Empty(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	SetVersionHeaders(c, "", time.Time{})
	if rec.Header().Get("ETag") != "" || rec.Header().Get("Last-Modified") != "" {
		t.Error("expected no version headers")
	}
}
