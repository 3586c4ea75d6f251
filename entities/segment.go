package entities

import "time"

// Segment is a single encoded file in the memory-backed store. The file on
// disk exists for the segment's whole visible lifetime in the buffer index;
// descriptors never outlive their files.
type Segment struct {
	CameraID  string
	StartTime time.Time
	Duration  time.Duration
	Path      string
	SizeBytes int64
	CreatedAt time.Time

	// Oversized flags a segment whose on-disk duration exceeded twice the
	// nominal chunk duration. It is kept in the buffer but surfaced in
	// status reports.
	Oversized bool
}

// End is the wall-clock instant the segment's coverage stops.
func (s Segment) End() time.Time {
	return s.StartTime.Add(s.Duration)
}
