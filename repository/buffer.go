// Package repository holds the in-process buffer index: per camera, an
// ordered sequence of segment descriptors over files in the memory-backed
// store. The owning capture worker is the only writer for its camera;
// readers get copy-on-read snapshots.
package repository

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"preroll-recorder/entities"
	"preroll-recorder/pkg/store"
)

// BufferStatus summarizes one camera's buffer for /status and the
// supervisor.
type BufferStatus struct {
	CameraID           string    `json:"camera_id"`
	Segments           int       `json:"segments"`
	CoveredSeconds     float64   `json:"covered_seconds"`
	TotalBytes         int64     `json:"total_bytes"`
	NewestStart        time.Time `json:"newest_start,omitzero"`
	NewestAgeSeconds   float64   `json:"newest_age_seconds"`
	SegmentsCreated    int64     `json:"segments_created"`
	SegmentsEvicted    int64     `json:"segments_evicted"`
	DroppedRegressions int64     `json:"dropped_regressions"`
	Gaps               int64     `json:"gaps"`
	OversizedSegments  int64     `json:"oversized_segments"`
}

type cameraBuffer struct {
	mu       sync.Mutex
	segments []entities.Segment

	created     int64
	evicted     int64
	regressions int64
	gaps        int64
	oversized   int64
}

// BufferIndex maps camera id to its ordered segment sequence and enforces
// the retention window on append. The camera set is fixed at construction,
// so the map itself needs no locking.
type BufferIndex struct {
	window  time.Duration
	chunk   time.Duration
	store   *store.Store
	log     zerolog.Logger
	buffers map[string]*cameraBuffer
	order   []string
}

func NewBufferIndex(cameras []string, window, chunk time.Duration, st *store.Store, log zerolog.Logger) *BufferIndex {
	buffers := make(map[string]*cameraBuffer, len(cameras))
	for _, id := range cameras {
		buffers[id] = &cameraBuffer{}
	}
	return &BufferIndex{
		window:  window,
		chunk:   chunk,
		store:   st,
		log:     log.With().Str("component", "buffer_index").Logger(),
		buffers: buffers,
		order:   append([]string(nil), cameras...),
	}
}

// Cameras returns camera ids in configuration order.
func (b *BufferIndex) Cameras() []string {
	return append([]string(nil), b.order...)
}

// Append records a closed segment and evicts from the head until the
// covered duration fits the retention window again. Eviction unlinks the
// file before dropping the descriptor, so a snapshot never names a file
// that was already gone when the snapshot was taken.
func (b *BufferIndex) Append(cameraID string, seg entities.Segment) bool {
	cb, ok := b.buffers[cameraID]
	if !ok {
		b.log.Error().Str("camera_id", cameraID).Msg("append for unknown camera")
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if n := len(cb.segments); n > 0 {
		newest := cb.segments[n-1]
		switch {
		case seg.StartTime.Equal(newest.StartTime):
			// Duplicate start time: retain the newer file, evict the older.
			// Same path means the encoder overwrote in place; nothing to
			// unlink then.
			if seg.Path != newest.Path {
				if err := b.store.Remove(newest.Path); err != nil {
					b.log.Warn().Err(err).Str("camera_id", cameraID).Str("path", newest.Path).Msg("evict duplicate")
				}
			}
			cb.segments[n-1] = seg
			cb.created++
			cb.evicted++
			b.evictLocked(cameraID, cb)
			return true
		case seg.StartTime.Before(newest.StartTime):
			// Encoder clock slew. Drop; a re-sync policy can replace this
			// if strict contiguity ever becomes operationally required.
			cb.regressions++
			if err := b.store.Remove(seg.Path); err != nil {
				b.log.Warn().Err(err).Str("camera_id", cameraID).Str("path", seg.Path).Msg("remove regressed segment")
			}
			b.log.Warn().
				Str("camera_id", cameraID).
				Time("segment_start", seg.StartTime).
				Time("newest_start", newest.StartTime).
				Msg("dropped segment with non-monotonic start time")
			return false
		case seg.StartTime.After(newest.End()):
			cb.gaps++
			b.log.Warn().
				Str("camera_id", cameraID).
				Dur("gap", seg.StartTime.Sub(newest.End())).
				Msg("capture gap detected")
		}
	}

	if seg.Duration > 2*b.chunk {
		seg.Oversized = true
		cb.oversized++
		b.log.Warn().
			Str("camera_id", cameraID).
			Dur("duration", seg.Duration).
			Msg("oversized segment accepted")
	}

	cb.segments = append(cb.segments, seg)
	cb.created++
	b.evictLocked(cameraID, cb)
	return true
}

func (b *BufferIndex) evictLocked(cameraID string, cb *cameraBuffer) {
	for len(cb.segments) > 0 && b.coveredLocked(cb) > b.window {
		oldest := cb.segments[0]
		if err := b.store.Remove(oldest.Path); err != nil {
			b.log.Warn().Err(err).Str("camera_id", cameraID).Str("path", oldest.Path).Msg("evict segment")
		}
		cb.segments = cb.segments[1:]
		cb.evicted++
	}
}

func (b *BufferIndex) coveredLocked(cb *cameraBuffer) time.Duration {
	var total time.Duration
	for _, s := range cb.segments {
		total += s.Duration
	}
	return total
}

// Snapshot returns an immutable copy of the camera's sequence. Files named
// by the copy may be unlinked by later evictions; readers must treat a
// missing file as a recoverable skip.
func (b *BufferIndex) Snapshot(cameraID string) []entities.Segment {
	cb, ok := b.buffers[cameraID]
	if !ok {
		return nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	out := make([]entities.Segment, len(cb.segments))
	copy(out, cb.segments)
	return out
}

// DropOldest evicts a single segment regardless of the retention window.
// The supervisor calls it round-robin under storage pressure.
func (b *BufferIndex) DropOldest(cameraID string) (freed int64, ok bool) {
	cb, exists := b.buffers[cameraID]
	if !exists {
		return 0, false
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.segments) == 0 {
		return 0, false
	}
	oldest := cb.segments[0]
	if err := b.store.Remove(oldest.Path); err != nil {
		b.log.Warn().Err(err).Str("camera_id", cameraID).Str("path", oldest.Path).Msg("emergency evict")
	}
	cb.segments = cb.segments[1:]
	cb.evicted++
	return oldest.SizeBytes, true
}

// Status reports per-camera statistics at time now.
func (b *BufferIndex) Status(now time.Time) map[string]BufferStatus {
	out := make(map[string]BufferStatus, len(b.buffers))
	for _, id := range b.order {
		cb := b.buffers[id]
		cb.mu.Lock()
		st := BufferStatus{
			CameraID:           id,
			Segments:           len(cb.segments),
			CoveredSeconds:     b.coveredLocked(cb).Seconds(),
			SegmentsCreated:    cb.created,
			SegmentsEvicted:    cb.evicted,
			DroppedRegressions: cb.regressions,
			Gaps:               cb.gaps,
			OversizedSegments:  cb.oversized,
		}
		for _, s := range cb.segments {
			st.TotalBytes += s.SizeBytes
		}
		if n := len(cb.segments); n > 0 {
			newest := cb.segments[n-1]
			st.NewestStart = newest.StartTime
			st.NewestAgeSeconds = now.Sub(newest.End()).Seconds()
		} else {
			st.NewestAgeSeconds = -1
		}
		cb.mu.Unlock()
		out[id] = st
	}
	return out
}

// Recover adopts segment files a predecessor process left in the store.
// Only files strictly older than the most recent one are trusted to be
// closed; the newest is re-observed by the capture worker.
func (b *BufferIndex) Recover(cameraID string) int {
	entries, err := b.store.List(cameraID)
	if err != nil {
		b.log.Warn().Err(err).Str("camera_id", cameraID).Msg("recovery listing failed")
		return 0
	}
	if len(entries) == 0 {
		return 0
	}

	adopted := 0
	for _, e := range entries[:len(entries)-1] {
		ok := b.Append(cameraID, entities.Segment{
			CameraID:  cameraID,
			StartTime: e.StartTime,
			Duration:  b.chunk,
			Path:      e.Path,
			SizeBytes: e.SizeBytes,
			CreatedAt: e.ModTime,
		})
		if ok {
			adopted++
		}
	}
	if adopted > 0 {
		b.log.Info().Str("camera_id", cameraID).Int("segments", adopted).Msg("recovered segments from previous run")
	}
	return adopted
}
