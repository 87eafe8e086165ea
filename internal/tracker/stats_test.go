package tracker

import (
	"strings"
	"testing"

	"github.com/dsmui/api/internal/model"
)

func TestBandFor(t *testing.T) {
	tests := []struct {
		rate float64
		want Band
	}{
		{80.0, BandSuccess},
		{79.9, BandQualified},
		{50.0, BandQualified},
		{49.9, BandFailure},
		{100.0, BandSuccess},
		{0.0, BandFailure},
	}

	for _, tt := range tests {
		if got := BandFor(tt.rate); got != tt.want {
			t.Errorf("BandFor(%v) = %s, want %s", tt.rate, got, tt.want)
		}
	}
}

func TestStatsNotice(t *testing.T) {
	if got := (Stats{SuccessRate: 100}).Notice(); got != "Long file transcribed successfully!" {
		t.Errorf("success notice = %q", got)
	}
	if got := (Stats{SuccessRate: 66.7}).Notice(); !strings.Contains(got, "66.7% success rate") {
		t.Errorf("qualified notice = %q", got)
	}
	if got := (Stats{SuccessRate: 12.5}).Notice(); !strings.Contains(got, "many segments failed (12.5% success)") {
		t.Errorf("failure notice = %q", got)
	}
}

func TestStatsFromSession(t *testing.T) {
	processed, successful, rate := 3, 2, 66.66666
	stats := StatsFrom(&model.Session{
		SegmentsProcessed:  &processed,
		SuccessfulSegments: &successful,
		SuccessRate:        &rate,
	})

	want := Stats{SegmentsProcessed: 3, SuccessfulSegments: 2, SuccessRate: 66.7}
	if stats != want {
		t.Errorf("StatsFrom = %+v, want %+v", stats, want)
	}

	if empty := StatsFrom(&model.Session{}); empty != (Stats{}) {
		t.Errorf("StatsFrom(empty) = %+v", empty)
	}
}
