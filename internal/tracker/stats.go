package tracker

import (
	"fmt"
	"math"

	"github.com/dsmui/api/internal/model"
)

// Band groups a success rate for the final notice shown to the user
type Band int

const (
	BandFailure Band = iota
	BandQualified
	BandSuccess
)

func (b Band) String() string {
	switch b {
	case BandSuccess:
		return "success"
	case BandQualified:
		return "qualified"
	default:
		return "failure"
	}
}

// BandFor maps a success percentage to its band: 80 and above is a success,
// 50 and above a qualified success, anything lower a failure.
func BandFor(rate float64) Band {
	switch {
	case rate >= 80:
		return BandSuccess
	case rate >= 50:
		return BandQualified
	default:
		return BandFailure
	}
}

// Stats summarizes a completed session
type Stats struct {
	SegmentsProcessed  int
	SuccessfulSegments int
	SuccessRate        float64 // percent, one decimal
}

// Band returns the notice band for s
func (s Stats) Band() Band {
	return BandFor(s.SuccessRate)
}

// Notice is the message shown to the user once a session completes
func (s Stats) Notice() string {
	switch s.Band() {
	case BandSuccess:
		return "Long file transcribed successfully!"
	case BandQualified:
		return fmt.Sprintf("Transcription completed with %.1f%% success rate. Some segments failed.", s.SuccessRate)
	default:
		return fmt.Sprintf("Transcription completed but many segments failed (%.1f%% success). Check the results.", s.SuccessRate)
	}
}

// StatsFrom reads the completion counters a finished session carries
func StatsFrom(s *model.Session) Stats {
	var stats Stats
	if s.SegmentsProcessed != nil {
		stats.SegmentsProcessed = *s.SegmentsProcessed
	}
	if s.SuccessfulSegments != nil {
		stats.SuccessfulSegments = *s.SuccessfulSegments
	}
	if s.SuccessRate != nil {
		stats.SuccessRate = math.Round(*s.SuccessRate*10) / 10
	}
	return stats
}
