package domain

import (
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Field limits carried over from the upload form schema.
const (
	MaxCityLen         = 100
	MaxStreetNameLen   = 200
	MaxStreetNumberLen = 20
	MaxQuestionLen     = 500
	MaxImageBytes      = 20 << 20
)

// NormalizeAddress trims every field and validates it. The returned address
// is the one that must be stored.
func NormalizeAddress(a Address) (Address, error) {
	out := Address{
		City:         collapse(a.City),
		StreetName:   collapse(a.StreetName),
		StreetNumber: collapse(a.StreetNumber),
	}
	fields := []struct {
		name  string
		value string
		max   int
	}{
		{"city", out.City, MaxCityLen},
		{"street_name", out.StreetName, MaxStreetNameLen},
		{"street_number", out.StreetNumber, MaxStreetNumberLen},
	}
	for _, f := range fields {
		if f.value == "" {
			return Address{}, Invalid("validate address", f.name, f.value, ErrBlank)
		}
		if utf8.RuneCountInString(f.value) > f.max {
			return Address{}, Invalid("validate address", f.name, truncate(f.value, 32), ErrTooLong)
		}
	}
	return out, nil
}

// ValidateImage checks the uploaded bytes and resolves their media type.
// An empty mediaType is sniffed from the content.
func ValidateImage(image []byte, mediaType string) (string, error) {
	if len(image) == 0 {
		return "", Invalid("validate image", "image", "", ErrEmptyImage)
	}
	if len(image) > MaxImageBytes {
		return "", Invalid("validate image", "image", strconv.Itoa(len(image)), ErrImageSize)
	}
	mt := strings.TrimSpace(mediaType)
	if mt == "" || mt == "application/octet-stream" {
		mt = http.DetectContentType(image)
	}
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if !strings.HasPrefix(mt, "image/") {
		return "", Invalid("validate image", "media_type", mt, ErrNotAnImage)
	}
	return mt, nil
}

// NormalizeQuestion trims a question and validates its length.
func NormalizeQuestion(q string) (string, error) {
	text := collapse(q)
	if text == "" {
		return "", Invalid("validate question", "question", "", ErrBlank)
	}
	if utf8.RuneCountInString(text) > MaxQuestionLen {
		return "", Invalid("validate question", "question", truncate(text, 32), ErrTooLong)
	}
	return text, nil
}

// collapse trims s and folds every run of whitespace into one space.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}
