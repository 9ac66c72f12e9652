package gmail

import (
	"errors"
	"fmt"
	"testing"

	"github.com/mailwatch/mailsync-worker/internal/service"
	"google.golang.org/api/googleapi"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"unauthorized", &googleapi.Error{Code: 401}, service.ErrAuthExpired},
		{"aged out history id", &googleapi.Error{Code: 404}, service.ErrCursorInvalid},
		{"gone", &googleapi.Error{Code: 410}, service.ErrCursorInvalid},
		{"server error", &googleapi.Error{Code: 503}, service.ErrProviderUnavailable},
		{"rate limited", &googleapi.Error{Code: 429}, service.ErrProviderUnavailable},
		{"network error", fmt.Errorf("connection reset"), service.ErrProviderUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.err)
			if !errors.Is(got, tc.want) {
				t.Errorf("classify(%v) = %v, want sentinel %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassifyWrappedAPIError(t *testing.T) {
	err := fmt.Errorf("history list: %w", &googleapi.Error{Code: 404})
	if !errors.Is(classify(err), service.ErrCursorInvalid) {
		t.Error("wrapped googleapi error must still classify by status code")
	}
}

func TestParseEmailDate(t *testing.T) {
	tests := []struct {
		name    string
		dateStr string
		wantErr bool
	}{
		{"RFC1123Z format", "Mon, 02 Jan 2006 15:04:05 -0700", false},
		{"RFC1123 format", "Mon, 02 Jan 2006 15:04:05 MST", false},
		{"single digit day", "Mon, 2 Jan 2006 15:04:05 -0700", false},
		{"with timezone name", "Mon, 02 Jan 2006 15:04:05 -0700 (UTC)", false},
		{"invalid format", "not a date", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseEmailDate(tt.dateStr)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseEmailDate(%q) error = %v, wantErr %v", tt.dateStr, err, tt.wantErr)
			}
		})
	}
}
