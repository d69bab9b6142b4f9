// Package segment splits long text into ordered, postable chunks.
//
// Lengths are measured in runes. Chunks break after the last whitespace that
// fits the limit and fall back to a hard break inside a word only when the
// window holds no whitespace past its leading run.
package segment

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/BTreeMap/ImgurBot/internal/models"
)

// Segment splits text into chunks whose Body is at most maxUnitLength runes.
// When more than one chunk is produced each Body carries a "(i/n)" marker.
func Segment(text string, maxUnitLength int) ([]models.TextChunk, error) {
	if maxUnitLength <= 0 {
		return nil, models.NewConfigurationError("maxUnitLength", "must be > 0, got %d", maxUnitLength)
	}

	runes := []rune(text)
	if len(runes) <= maxUnitLength {
		return []models.TextChunk{{SequenceIndex: 0, TotalChunks: 1, Body: text, Content: text}}, nil
	}

	// Reserve room for the widest marker " (n/n)"; grow when n gains a digit.
	for digits := 1; ; digits++ {
		budget := maxUnitLength - markerWidth(digits)
		if budget < 1 {
			return build(pack(runes, maxUnitLength), false), nil
		}
		parts := pack(runes, budget)
		if len(strconv.Itoa(len(parts))) <= digits {
			return build(parts, true), nil
		}
	}
}

// Join reassembles the source text from chunk contents in sequence order.
func Join(chunks []models.TextChunk) string {
	ordered := make([]string, len(chunks))
	for _, c := range chunks {
		if c.SequenceIndex >= 0 && c.SequenceIndex < len(ordered) {
			ordered[c.SequenceIndex] = c.Content
		}
	}
	return strings.Join(ordered, "")
}

// Marker returns the index marker for the 0-based chunk index of total.
func Marker(index, total int) string {
	return "(" + strconv.Itoa(index+1) + "/" + strconv.Itoa(total) + ")"
}

func markerWidth(digits int) int {
	// " (" + n + "/" + n + ")"
	return 4 + 2*digits
}

// pack greedily cuts runes into pieces of at most budget runes.
func pack(runes []rune, budget int) []string {
	var parts []string
	for len(runes) > 0 {
		if len(runes) <= budget {
			parts = append(parts, string(runes))
			break
		}
		lead := 0
		for lead < budget && unicode.IsSpace(runes[lead]) {
			lead++
		}
		// A cut inside the leading whitespace would post a blank chunk.
		cut := budget
		for i := budget - 1; i > lead; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i + 1
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	return parts
}

func build(parts []string, withMarkers bool) []models.TextChunk {
	chunks := make([]models.TextChunk, len(parts))
	for i, p := range parts {
		body := p
		if withMarkers {
			body = withMarker(p, i, len(parts))
		}
		chunks[i] = models.TextChunk{
			SequenceIndex: i,
			TotalChunks:   len(parts),
			Body:          body,
			Content:       p,
		}
	}
	return chunks
}

func withMarker(content string, index, total int) string {
	if content == "" || endsInSpace(content) {
		return content + Marker(index, total)
	}
	return content + " " + Marker(index, total)
}

func endsInSpace(s string) bool {
	r := []rune(s)
	return len(r) > 0 && unicode.IsSpace(r[len(r)-1])
}
