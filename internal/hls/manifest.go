// Package hls publishes per-stream segmented media: fixed-size frame groups
// encoded into segment files, a sliding-window manifest, and a background
// janitor that prunes aged-out segments.
package hls

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ManifestName is the per-stream playlist file name.
const ManifestName = "stream.m3u8"

// SegmentName returns the file name for a segment sequence number.
func SegmentName(seq int) string {
	return fmt.Sprintf("segment_%d.ts", seq)
}

// segmentSeq extracts the sequence number from a segment file name; ok is
// false for files that are not segments.
func segmentSeq(name string) (int, bool) {
	rest, found := strings.CutPrefix(name, "segment_")
	if !found {
		return 0, false
	}
	rest, found = strings.CutSuffix(rest, ".ts")
	if !found {
		return 0, false
	}
	seq, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// BuildManifest renders a live playlist for the given segment sequence
// numbers (any order). Only the last `window` segments appear; the
// media-sequence counter is the first listed segment's sequence number, so
// players see it advance as older segments drop out of the window.
func BuildManifest(seqs []int, window int, segmentDuration float64) string {
	sorted := append([]int(nil), seqs...)
	sort.Ints(sorted)
	if window > 0 && len(sorted) > window {
		sorted = sorted[len(sorted)-window:]
	}

	targetDuration := int(math.Ceil(segmentDuration))
	if targetDuration < 1 {
		targetDuration = 1
	}
	mediaSequence := 0
	if len(sorted) > 0 {
		mediaSequence = sorted[0]
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDuration))
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n", mediaSequence))

	for _, seq := range sorted {
		b.WriteString(fmt.Sprintf("#EXTINF:%.1f,\n", segmentDuration))
		b.WriteString(SegmentName(seq))
		b.WriteString("\n")
	}

	return b.String()
}

// WriteManifest scans dir for segment files and rewrites the stream manifest
// from what it finds. Called after every new segment and by the janitor after
// pruning.
func WriteManifest(dir string, window int, segmentDuration float64) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var seqs []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if seq, ok := segmentSeq(entry.Name()); ok {
			seqs = append(seqs, seq)
		}
	}

	manifest := BuildManifest(seqs, window, segmentDuration)
	return os.WriteFile(filepath.Join(dir, ManifestName), []byte(manifest), 0o644)
}
