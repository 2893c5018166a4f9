// Package text prepares book text for speech synthesis.
package text

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxNumberForWords is the largest integer spelled out; larger numbers stay as digits.
const MaxNumberForWords = 999999

const (
	urlRegexPattern        = `https?://\S+`
	emailRegexPattern      = `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`
	numberRegexPattern     = `\b\d+\b`
	referenceRegexPattern  = `\[\d+(?:[,\-–]\s*\d+)*\]|[¹²³⁴⁵⁶⁷⁸⁹⁰]+`
	citationRegexPattern   = `\([^()]*\b\d{4}[a-z]?\)`
	repeatedPunctPattern   = `([!?,;:])[!?,;:]+`
	spaceBeforePunctRegexp = `\s+([.,!?;:])`
	whitespaceRegexPattern = `\s+`
)

// Normalizer rewrites raw text into something a speech model reads aloud cleanly.
type Normalizer struct {
	urlPattern        *regexp.Regexp
	emailPattern      *regexp.Regexp
	numberPattern     *regexp.Regexp
	referencePattern  *regexp.Regexp
	citationPattern   *regexp.Regexp
	repeatedPunct     *regexp.Regexp
	spaceBeforePunct  *regexp.Regexp
	whitespacePattern *regexp.Regexp
	abbreviations     *strings.Replacer
	typography        *strings.Replacer
	spellNumbers      bool
}

// NewNormalizer creates a Normalizer. With spellNumbers set, integers become words.
func NewNormalizer(spellNumbers bool) *Normalizer {
	return &Normalizer{
		urlPattern:        regexp.MustCompile(urlRegexPattern),
		emailPattern:      regexp.MustCompile(emailRegexPattern),
		numberPattern:     regexp.MustCompile(numberRegexPattern),
		referencePattern:  regexp.MustCompile(referenceRegexPattern),
		citationPattern:   regexp.MustCompile(citationRegexPattern),
		repeatedPunct:     regexp.MustCompile(repeatedPunctPattern),
		spaceBeforePunct:  regexp.MustCompile(spaceBeforePunctRegexp),
		whitespacePattern: regexp.MustCompile(whitespaceRegexPattern),
		abbreviations: strings.NewReplacer(
			"Mr. ", "Mister ",
			"Mrs. ", "Misses ",
			"Ms. ", "Miss ",
			"Dr. ", "Doctor ",
			"St. ", "Saint ",
			"Prof. ", "Professor ",
			"e.g. ", "for example ",
			"i.e. ", "that is ",
			"etc.", "et cetera",
		),
		typography: strings.NewReplacer(
			"—", ", ",
			"–", "-",
			"‒", "-",
			"…", "...",
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
		),
		spellNumbers: spellNumbers,
	}
}

// Normalize applies the full pipeline. Empty or whitespace-only input yields "".
func (n *Normalizer) Normalize(input string) string {
	cleaned := stripControl(input)
	if strings.TrimSpace(cleaned) == "" {
		return ""
	}

	cleaned = n.typography.Replace(cleaned)
	cleaned = n.whitespacePattern.ReplaceAllString(cleaned, " ")

	preserved, tokens := n.preserveTokens(cleaned)

	preserved = n.abbreviations.Replace(preserved + " ")
	preserved = n.referencePattern.ReplaceAllString(preserved, "")
	preserved = n.citationPattern.ReplaceAllString(preserved, "")

	if n.spellNumbers {
		preserved = n.numberPattern.ReplaceAllStringFunc(preserved, spellOut)
	}

	preserved = n.repeatedPunct.ReplaceAllString(preserved, "$1")
	preserved = n.whitespacePattern.ReplaceAllString(preserved, " ")
	preserved = n.spaceBeforePunct.ReplaceAllString(preserved, "$1")

	return ensureSentenceEnd(restoreTokens(strings.TrimSpace(preserved), tokens))
}

// preserveTokens swaps URLs and emails for placeholders so later passes leave them alone.
func (n *Normalizer) preserveTokens(input string) (string, []string) {
	var tokens []string

	replace := func(match string) string {
		tokens = append(tokens, match)

		return placeholder(len(tokens) - 1)
	}

	output := n.urlPattern.ReplaceAllStringFunc(input, replace)
	output = n.emailPattern.ReplaceAllStringFunc(output, replace)

	return output, tokens
}

func restoreTokens(input string, tokens []string) string {
	for index, token := range tokens {
		input = strings.Replace(input, placeholder(index), token, 1)
	}

	return input
}

// placeholder encodes index with letters so the number pass cannot rewrite it.
func placeholder(index int) string {
	letters := strings.Map(func(r rune) rune { return 'a' + (r - '0') }, strconv.Itoa(index))

	return "\x00" + letters + "\x00"
}

func stripControl(input string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t' || r == '\r':
			return ' '
		case unicode.IsControl(r), r == utf8.RuneError:
			return -1
		default:
			return r
		}
	}, input)
}

func ensureSentenceEnd(input string) string {
	if input == "" {
		return ""
	}

	last, _ := utf8.DecodeLastRuneInString(input)

	switch last {
	case '.', '!', '?', '"', '\'':
		return input
	default:
		return input + "."
	}
}

func spellOut(digits string) string {
	number, err := strconv.Atoi(digits)
	if err != nil {
		return digits
	}

	return IntegerToWords(number)
}

var (
	ones = []string{
		"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
		"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen",
		"seventeen", "eighteen", "nineteen",
	}
	tens = []string{"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety"}
)

// IntegerToWords spells out number in English. Values outside 0..MaxNumberForWords
// are returned as digits.
func IntegerToWords(number int) string {
	if number < 0 || number > MaxNumberForWords {
		return strconv.Itoa(number)
	}

	if number < 1000 {
		return underThousand(number)
	}

	words := underThousand(number/1000) + " thousand"
	if rest := number % 1000; rest > 0 {
		words += " " + underThousand(rest)
	}

	return words
}

func underThousand(number int) string {
	switch {
	case number < 20:
		return ones[number]
	case number < 100:
		if number%10 == 0 {
			return tens[number/10]
		}

		return tens[number/10] + "-" + ones[number%10]
	default:
		words := ones[number/100] + " hundred"
		if rest := number % 100; rest > 0 {
			words += " " + underThousand(rest)
		}

		return words
	}
}
