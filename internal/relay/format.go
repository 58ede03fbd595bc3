package relay

import "strings"

// EscapeMarkup escapes reply characters the front-end would otherwise treat
// as markup: lone asterisks (double asterisks stay, they are intentional
// bold) and underscores. Fenced code blocks pass through untouched.
func EscapeMarkup(text string) string {
	segments := strings.Split(text, "```")
	for i, segment := range segments {
		// Odd segments sit between fences.
		if i%2 == 1 {
			continue
		}
		segments[i] = escapeSegment(segment)
	}

	return strings.Join(segments, "```")
}

func escapeSegment(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))

	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*':
			prevStar := i > 0 && s[i-1] == '*'
			nextStar := i+1 < len(s) && s[i+1] == '*'
			if !prevStar && !nextStar {
				sb.WriteString(`\*`)
			} else {
				sb.WriteByte('*')
			}
		case '_':
			sb.WriteString(`\_`)
		default:
			sb.WriteByte(s[i])
		}
	}

	return sb.String()
}

// Chunk splits text into ordered pieces of at most max runes each. The
// concatenation of the chunks is the original text.
func Chunk(text string, max int) []string {
	if text == "" {
		return nil
	}
	if max <= 0 {
		return []string{text}
	}

	runes := []rune(text)
	chunks := make([]string, 0, (len(runes)+max-1)/max)
	for start := 0; start < len(runes); start += max {
		end := start + max
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}

	return chunks
}
