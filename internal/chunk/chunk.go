// Package chunk splits long text into bounded pieces before persistence.
//
// The memory graph embeds whatever it is handed; oversized payloads degrade
// both embedding quality and recall precision. Splitting happens on natural
// boundaries (paragraphs first, then sentences) so each piece stays
// coherent on its own. A hard cut is the last resort for pathological
// input with no boundaries at all.
package chunk

import (
	"strings"
)

// DefaultThreshold is used when the configured threshold is zero.
const DefaultThreshold = 1200

// Split breaks text into pieces no longer than threshold characters.
// Text at or under the threshold is returned as a single piece. Pieces
// are trimmed; empty pieces are dropped.
func Split(text string, threshold int) []string {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= threshold {
		return []string{text}
	}

	var out []string
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			out = append(out, s)
		}
		current.Reset()
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(para)+2 > threshold {
			flush()
		}
		if len(para) <= threshold {
			if current.Len() > 0 {
				current.WriteString("\n\n")
			}
			current.WriteString(para)
			continue
		}
		// Paragraph alone exceeds the threshold: fall back to sentences.
		flush()
		out = append(out, splitSentences(para, threshold)...)
	}
	flush()
	return out
}

// splitSentences packs sentences into threshold-sized pieces, hard-cutting
// any single sentence that still does not fit.
func splitSentences(para string, threshold int) []string {
	var out []string
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			out = append(out, s)
		}
		current.Reset()
	}

	for _, sent := range sentences(para) {
		if current.Len() > 0 && current.Len()+len(sent)+1 > threshold {
			flush()
		}
		if len(sent) <= threshold {
			if current.Len() > 0 {
				current.WriteString(" ")
			}
			current.WriteString(sent)
			continue
		}
		flush()
		for len(sent) > threshold {
			out = append(out, sent[:threshold])
			sent = sent[threshold:]
		}
		current.WriteString(sent)
	}
	flush()
	return out
}

// sentences splits on sentence-final punctuation followed by whitespace.
func sentences(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			if s[i+1] == ' ' || s[i+1] == '\n' {
				out = append(out, strings.TrimSpace(s[start:i+1]))
				start = i + 1
			}
		}
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}
