package edge

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var shortVoicePattern = regexp.MustCompile(`^([a-z]{2,})-([A-Z]{2,})-(.+Neural)$`)

// expandVoice turns a short name such as "en-US-AriaNeural" into the long form
// the service expects. Names already in long form pass through.
func expandVoice(voice string) string {
	m := shortVoicePattern.FindStringSubmatch(strings.TrimSpace(voice))
	if m == nil {
		return voice
	}
	lang, region, name := m[1], m[2], m[3]
	if i := strings.Index(name, "-"); i >= 0 {
		region = region + "-" + name[:i]
		name = name[i+1:]
	}
	return fmt.Sprintf("Microsoft Server Speech Text to Speech Voice (%s-%s, %s)", lang, region, name)
}

// sanitize replaces control characters the service rejects with spaces.
func sanitize(text string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r <= 8, r == 11, r == 12, r >= 14 && r <= 31:
			return ' '
		}
		return r
	}, text)
}

var (
	xmlEscaper  = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", "'", "&apos;", `"`, "&quot;")
)

func escape(text string) string {
	return xmlEscaper.Replace(text)
}

// splitText cuts escaped text into pieces of at most limit bytes. Pieces end
// at the last newline or space when possible, never inside a UTF-8 sequence
// or an XML entity. Whitespace-only pieces are dropped.
func splitText(text string, limit int) []string {
	var pieces []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut <= 0 {
			cut = strings.LastIndexByte(text[:limit], ' ')
		}
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		// back off to before an entity that would otherwise be split
		if amp := strings.LastIndexByte(text[:cut], '&'); amp >= 0 && !strings.Contains(text[amp:cut], ";") {
			cut = amp
		}
		if cut <= 0 {
			// a single entity longer than limit cannot happen for the escapes above
			cut = limit
		}
		if piece := strings.TrimSpace(text[:cut]); piece != "" {
			pieces = append(pieces, piece)
		}
		text = text[cut:]
	}
	if piece := strings.TrimSpace(text); piece != "" {
		pieces = append(pieces, piece)
	}
	return pieces
}

func buildSSML(voice, rate, pitch, volume, escapedText string) string {
	return "<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xml:lang='en-US'>" +
		"<voice name='" + attrEscaper.Replace(expandVoice(voice)) + "'>" +
		"<prosody pitch='" + attrEscaper.Replace(orDefault(pitch, "+0Hz")) +
		"' rate='" + attrEscaper.Replace(orDefault(rate, "+0%")) +
		"' volume='" + attrEscaper.Replace(orDefault(volume, "+0%")) + "'>" +
		escapedText +
		"</prosody></voice></speak>"
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
