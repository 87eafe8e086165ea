package service

import (
	"fmt"
	"time"
)

// Progress bands of a segmented transcription: cutting the audio fills the
// first 30%, transcribing segments the rest.
const (
	SegmentationShare  = 30.0
	TranscriptionShare = 70.0
)

// SegmentCount is the number of segmentSeconds chunks announced for a recording
func SegmentCount(durationSeconds float64, segmentSeconds int) int {
	if segmentSeconds <= 0 {
		return 1
	}
	return int(durationSeconds/float64(segmentSeconds)) + 1
}

// EstimatedMinutes is the expected processing time for a recording
func EstimatedMinutes(durationSeconds float64, ratio int) int {
	return int(durationSeconds / 60 * float64(ratio))
}

// SegmentationProgress is the percentage after done of total cuts
func SegmentationProgress(done, total int) float64 {
	if total <= 0 {
		return SegmentationShare
	}
	return float64(done) / float64(total) * SegmentationShare
}

// TranscriptionProgress is the percentage after done of total segments
func TranscriptionProgress(done, total int) float64 {
	if total <= 0 {
		return 100
	}
	return SegmentationShare + float64(done)/float64(total)*TranscriptionShare
}

// Timestamp formats a segment offset as [MM:SS]
func Timestamp(offsetSeconds int) string {
	return fmt.Sprintf("[%02d:%02d]", offsetSeconds/60, offsetSeconds%60)
}

// TimeoutLabel renders a segment timeout the way failure markers show it
func TimeoutLabel(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		return fmt.Sprintf(">%dmin", int(d/time.Minute))
	}
	return ">" + d.String()
}
