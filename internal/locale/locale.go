// Package locale picks the output language for generated documents from the
// text a run is about.
package locale

import "strings"

// Locale is an output language tag.
type Locale string

const (
	// English is the default locale.
	English Locale = "en"
	// Chinese (Simplified) is selected when inputs are dominated by CJK text.
	Chinese Locale = "zh"
)

// Thresholds on the number of CJK ideographs in the inputs.
const (
	cjkDecisive = 8
	cjkMinimum  = 4
	cjkGuard    = 20
)

// Infer returns Chinese when the non-blank inputs are dominated by CJK
// ideographs and English otherwise. It is pure and deterministic.
func Infer(texts ...string) Locale {
	parts := make([]string, 0, len(texts))
	for _, t := range texts {
		if strings.TrimSpace(t) != "" {
			parts = append(parts, t)
		}
	}
	if len(parts) == 0 {
		return English
	}

	var cjk, latin int
	for _, r := range strings.Join(parts, "\n") {
		switch {
		case r >= 0x4E00 && r <= 0x9FFF:
			cjk++
		case (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z'):
			latin++
		}
	}

	switch {
	case cjk == 0:
		return English
	case cjk >= cjkDecisive:
		return Chinese
	case cjk >= cjkMinimum && cjk*3 >= max(1, latin):
		return Chinese
	case cjk >= cjkGuard:
		return Chinese
	}
	return English
}

// Pick returns zh when l is Chinese and en otherwise.
func (l Locale) Pick(en, zh string) string {
	if l == Chinese {
		return zh
	}
	return en
}
