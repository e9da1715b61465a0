package perception

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// frameRecord is the JSON-lines wire form of one detector frame.
type frameRecord struct {
	T          *float64       `json:"t"`
	Detections []RawDetection `json:"detections"`
}

// DecodeFrame parses one JSON-lines frame record. The "t" field holds
// monotonic seconds and is converted to a time offset from the Unix epoch.
func DecodeFrame(line string) (Frame, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Frame{}, fmt.Errorf("empty frame record")
	}
	var rec frameRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	if rec.T == nil {
		return Frame{}, fmt.Errorf("frame record missing timestamp")
	}
	if math.IsNaN(*rec.T) || math.IsInf(*rec.T, 0) || *rec.T < 0 {
		return Frame{}, fmt.Errorf("invalid frame timestamp %v", *rec.T)
	}
	return Frame{
		Timestamp:  SecondsToTime(*rec.T),
		Detections: rec.Detections,
	}, nil
}

// SecondsToTime converts float seconds to a UTC time.Time.
func SecondsToTime(secs float64) time.Time {
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(math.Round(frac*1e9))).UTC()
}
