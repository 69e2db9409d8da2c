// Package script generates the narration script and per-segment prompts
// that drive downstream image and animation generation.
package script

import (
	"regexp"
	"strings"

	"reelsmith/internal/store"
)

var sentenceSplit = regexp.MustCompile(`[.!?]+`)

// Split divides a script into numSegments contiguous timed segments of
// segmentDuration seconds each. Sentences are distributed evenly; the
// last segment absorbs the remainder so no text is lost.
func Split(text string, numSegments, segmentDuration int) []store.SegmentRecord {
	chunks := splitIntoChunks(text, numSegments)

	segments := make([]store.SegmentRecord, numSegments)
	chunksPerSegment := len(chunks) / numSegments
	if chunksPerSegment < 1 {
		chunksPerSegment = 1
	}

	for i := 0; i < numSegments; i++ {
		start := i * chunksPerSegment
		end := start + chunksPerSegment
		if i == numSegments-1 {
			end = len(chunks)
		}
		if start > len(chunks) {
			start = len(chunks)
		}
		if end > len(chunks) {
			end = len(chunks)
		}

		segmentText := strings.Join(chunks[start:end], " ")
		if segmentText == "" && len(chunks) > 0 {
			idx := i
			if idx >= len(chunks) {
				idx = len(chunks) - 1
			}
			segmentText = chunks[idx]
		}

		segments[i] = store.SegmentRecord{
			Index:     i,
			Text:      segmentText,
			StartTime: float64(i * segmentDuration),
			EndTime:   float64((i + 1) * segmentDuration),
			Status:    store.SegmentPending,
		}
	}
	return segments
}

// splitIntoChunks breaks the script into sentence-sized pieces, falling
// back to newline and comma splits when the sentence count is too low,
// and repeating chunks when the script is shorter than the segment grid.
func splitIntoChunks(text string, numSegments int) []string {
	sentences := sentenceSplit.Split(strings.TrimSpace(text), -1)

	chunks := make([]string, 0, len(sentences))
	for _, s := range sentences {
		if t := strings.TrimSpace(s); t != "" {
			chunks = append(chunks, t)
		}
	}

	if len(chunks) < numSegments/2 {
		chunks = chunks[:0]
		for _, sentence := range sentences {
			switch {
			case strings.Contains(sentence, "\n"):
				for _, line := range strings.Split(sentence, "\n") {
					if t := strings.TrimSpace(line); t != "" {
						chunks = append(chunks, t)
					}
				}
			case strings.Contains(sentence, ",") && len(sentence) > 100:
				for _, part := range strings.Split(sentence, ",") {
					if t := strings.TrimSpace(part); t != "" {
						chunks = append(chunks, t)
					}
				}
			default:
				if t := strings.TrimSpace(sentence); t != "" {
					chunks = append(chunks, t)
				}
			}
		}
	}

	if len(chunks) == 0 {
		return chunks
	}
	for len(chunks) < numSegments {
		need := numSegments - len(chunks)
		if need > len(chunks) {
			need = len(chunks)
		}
		chunks = append(chunks, chunks[:need]...)
	}
	return chunks
}

const imageStyleDirectives = " | Cinematic lighting, high quality, 4K resolution, " +
	"professional photography, vibrant colors, sharp focus"

// motionKeywords maps narration words to an animation style. First match
// wins; order fixed for determinism.
var motionKeywords = []struct {
	keyword string
	motion  string
}{
	{"move", "smooth camera movement"},
	{"fly", "flying motion"},
	{"zoom", "zoom in effect"},
	{"rotate", "rotating motion"},
	{"pan", "panning camera"},
	{"reveal", "revealing motion"},
	{"show", "slow reveal"},
	{"appear", "fade in effect"},
	{"fast", "dynamic fast motion"},
	{"slow", "slow smooth motion"},
}

// FallbackImagePrompt builds a deterministic image prompt from segment
// text, used when no LLM is configured. Truncation counts runes so a
// multi-byte character is never split.
func FallbackImagePrompt(segmentText string) string {
	text := segmentText
	if runes := []rune(text); len(runes) > 200 {
		text = string(runes[:200])
	}
	return "Professional advertising image: " + text + imageStyleDirectives
}

// FallbackAnimationPrompt builds a deterministic animation prompt keyed
// off motion words in the segment text.
func FallbackAnimationPrompt(segmentText string) string {
	style := "smooth cinematic motion"
	lower := strings.ToLower(segmentText)
	for _, m := range motionKeywords {
		if strings.Contains(lower, m.keyword) {
			style = m.motion
			break
		}
	}
	return "Animate with " + style + ", subtle movement, professional quality, " +
		"5 seconds duration, seamless loop"
}
