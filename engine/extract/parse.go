package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/WessleyAI/meterscan/engine/domain"
)

const parseOp = "extract.parse"

// defaultConfidence is used when the model omits a confidence score.
const defaultConfidence = 0.5

var meterValueRe = regexp.MustCompile(`^\d+(\.\d+)?$`)

// extraction is the validated content of one vision model answer.
type extraction struct {
	value      string
	confidence float64
	notes      string
	meterType  string
	units      string
}

// parseExtraction decodes the JSON object embedded in raw model output. The
// model may wrap the object in prose or code fences, so the object is taken
// from the first '{' to the last '}'.
func parseExtraction(raw string) (extraction, error) {
	var ext extraction
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return ext, domain.Ef(domain.ExtractionMalformed, parseOp, "no JSON object in model output %q", snippet(raw))
	}

	dec := json.NewDecoder(strings.NewReader(raw[start : end+1]))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return ext, domain.E(domain.ExtractionMalformed, parseOp, "invalid JSON", err)
	}

	visible := true
	if b, ok := doc["reading_visible"].(bool); ok {
		visible = b
	}

	value, err := parseValue(firstOf(doc, "meter_value", "reading", "value"), visible)
	if err != nil {
		return ext, err
	}
	ext.value = value

	conf, confNote, err := parseConfidence(doc["confidence"])
	if err != nil {
		return ext, err
	}
	ext.confidence = conf

	var visNote string
	if !visible {
		visNote = "reading not clearly visible"
	}
	ext.notes = domain.JoinNotes(stringish(doc["notes"]), visNote, confNote)
	ext.meterType = normalizeMeterType(stringish(doc["meter_type"]))
	ext.units = normalizeUnits(stringish(doc["units"]))
	return ext, nil
}

func firstOf(doc map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := doc[k]; ok {
			return v
		}
	}
	return nil
}

func parseValue(v any, visible bool) (string, error) {
	var s string
	switch x := v.(type) {
	case nil:
		if !visible {
			return "", domain.Ef(domain.ExtractionEmpty, parseOp, "model reports the register is not visible")
		}
		return "", domain.Ef(domain.ExtractionEmpty, parseOp, "model returned no meter value")
	case string:
		s = strings.Join(strings.Fields(x), "")
	case json.Number:
		s = x.String()
		if strings.ContainsAny(s, "eE") {
			f, err := x.Float64()
			if err != nil {
				return "", domain.E(domain.ExtractionMalformed, parseOp, "meter value out of range", err)
			}
			s = strconv.FormatFloat(f, 'f', -1, 64)
		}
	default:
		return "", domain.Ef(domain.ExtractionMalformed, parseOp, "meter value has unexpected type %T", v)
	}

	switch {
	case s == "":
		return "", domain.Ef(domain.ExtractionEmpty, parseOp, "model returned an empty meter value")
	case strings.HasPrefix(s, "-"):
		return "", domain.Ef(domain.ExtractionMalformed, parseOp, "negative meter value %q", s)
	case !meterValueRe.MatchString(s):
		return "", domain.Ef(domain.ExtractionMalformed, parseOp, "meter value %q is not numeric", snippet(s))
	}
	return s, nil
}

// parseConfidence coerces the model's confidence into [0,1]. The returned
// note is non-empty when the value was defaulted or clamped.
func parseConfidence(v any) (float64, string, error) {
	var f float64
	switch x := v.(type) {
	case nil:
		return defaultConfidence, fmt.Sprintf("confidence not reported, defaulted to %.2f", defaultConfidence), nil
	case json.Number:
		// overflow yields ±Inf with ErrRange, which is clamped below
		n, err := x.Float64()
		if err != nil && !errors.Is(err, strconv.ErrRange) {
			return 0, "", domain.E(domain.ExtractionMalformed, parseOp, "confidence is not numeric", err)
		}
		f = n
	case string:
		t := strings.TrimSpace(x)
		pct := strings.HasSuffix(t, "%")
		n, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(t, "%")), 64)
		if err != nil && !errors.Is(err, strconv.ErrRange) {
			return 0, "", domain.E(domain.ExtractionMalformed, parseOp, fmt.Sprintf("confidence %q is not numeric", snippet(x)), err)
		}
		if pct {
			n /= 100
		}
		f = n
	default:
		return 0, "", domain.Ef(domain.ExtractionMalformed, parseOp, "confidence has unexpected type %T", v)
	}

	if math.IsNaN(f) {
		return 0, "", domain.Ef(domain.ExtractionMalformed, parseOp, "confidence is not a number")
	}
	clamped := math.Min(1, math.Max(0, f))
	if clamped != f {
		return clamped, fmt.Sprintf("confidence %g clamped to %g", f, clamped), nil
	}
	return f, "", nil
}

// stringish renders a string or list of strings; anything else is dropped.
func stringish(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []any:
		parts := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				parts = append(parts, s)
			}
		}
		return domain.JoinNotes(parts...)
	default:
		return ""
	}
}

func normalizeMeterType(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case domain.MeterAnalog, "mechanical", "dial":
		return domain.MeterAnalog
	case domain.MeterDigital, "electronic", "lcd":
		return domain.MeterDigital
	default:
		return ""
	}
}

func normalizeUnits(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case domain.UnitsCubicMeters, "m3", "m³", "cubic meters", "cubic_metres", "cubic metres":
		return domain.UnitsCubicMeters
	case domain.UnitsGallons, "gal", "gallon", "us gallons":
		return domain.UnitsGallons
	default:
		return ""
	}
}

// snippet shortens model output for error details without splitting a rune.
func snippet(s string) string {
	const maxRunes = 80
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	return string([]rune(s)[:maxRunes]) + "…"
}
