// Package store manages the memory-backed directory tree that holds encoded
// segments, one subtree per camera. File names embed the segment start time
// in UTC so lexicographic order equals chronological order. The store never
// parses media; it only creates paths, lists, and unlinks.
package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// Ext is the container extension for every segment file.
	Ext = ".mp4"

	// nameTimeLayout matches the strftime pattern handed to the encoder.
	nameTimeLayout = "20060102_150405"
)

// Entry is one segment file observed in a point-in-time listing.
type Entry struct {
	Path      string
	Name      string
	StartTime time.Time
	SizeBytes int64
	ModTime   time.Time
}

type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) Root() string {
	return s.root
}

// Dir returns the per-camera subtree.
func (s *Store) Dir(cameraID string) string {
	return filepath.Join(s.root, cameraID)
}

// Pattern is the strftime output template handed to the encoder's segmenter.
// The encoder runs with TZ=UTC so the expanded names sort chronologically.
func (s *Store) Pattern(cameraID string) string {
	return filepath.Join(s.Dir(cameraID), cameraID+"_%Y%m%d_%H%M%S"+Ext)
}

// PathFor builds the segment path for an explicit start time. Used by tests;
// live capture names files through Pattern.
func (s *Store) PathFor(cameraID string, start time.Time) string {
	return filepath.Join(s.Dir(cameraID), cameraID+"_"+start.UTC().Format(nameTimeLayout)+Ext)
}

// ParseStartTime extracts the UTC start time embedded in a segment file
// name. Foreign files do not match and are reported with ok=false.
func (s *Store) ParseStartTime(cameraID, name string) (time.Time, bool) {
	prefix := cameraID + "_"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, Ext) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), Ext)
	t, err := time.ParseInLocation(nameTimeLayout, stamp, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// List returns a snapshot of the camera's segment files sorted by embedded
// start time. Files that do not match the naming scheme are ignored. The
// last entry may still be growing; callers decide when a file is closed.
func (s *Store) List(cameraID string) ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.Dir(cameraID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		start, ok := s.ParseStartTime(cameraID, de.Name())
		if !ok {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Unlinked between ReadDir and Info; it is no longer part of
			// the snapshot.
			continue
		}
		entries = append(entries, Entry{
			Path:      filepath.Join(s.Dir(cameraID), de.Name()),
			Name:      de.Name(),
			StartTime: start,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StartTime.Before(entries[j].StartTime)
	})
	return entries, nil
}

// Remove unlinks a segment file. Removing an already-missing file is not an
// error; eviction and shutdown cleanup may race benignly.
func (s *Store) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
