// Package extract salvages a score and feedback from free-form model output.
//
// Extraction never fails. Parse strategies are tried in order and the first
// one that yields a valid judgement wins; when none does, a length-based
// heuristic provides the score and the feedback records why.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	MinScore = 0.0
	MaxScore = 100.0
)

// HeuristicPrefix starts the feedback of every heuristic judgement.
const HeuristicPrefix = "heuristic fallback: "

// Source names the strategy that produced a judgement.
type Source string

const (
	SourceJSON      Source = "json"
	SourceFenced    Source = "fenced"
	SourceBrace     Source = "brace"
	SourceHeuristic Source = "heuristic"
)

// Judgement is a validated score and feedback. Criteria is filled when the
// object carries a "criteria" map of numeric per-criterion scores.
type Judgement struct {
	Score    float64            `json:"score"`
	Feedback string             `json:"feedback"`
	Criteria map[string]float64 `json:"criteria,omitempty"`
	Source   Source             `json:"-"`
}

// strategy inspects raw text. ok reports success; a non-nil error means a
// candidate object was found but rejected, and is kept as the fallback cause.
type strategy struct {
	source Source
	parse  func(raw string) (Judgement, bool, error)
}

var chain = []strategy{
	{SourceJSON, wholeJSON},
	{SourceFenced, fencedJSON},
	{SourceBrace, braceSpan},
}

var (
	errNoScore   = errors.New(`object has no "score" field`)
	errNoJSON    = errors.New("no JSON object found")
	errEmptyText = errors.New("empty response")

	errTrailingText = errors.New("text continues after the JSON object")
)

// Extract returns the judgement carried by raw. The score is always within
// [MinScore, MaxScore] and the feedback is trimmed.
func Extract(raw string) Judgement {
	var cause error
	for _, s := range chain {
		j, ok, err := s.parse(raw)
		if ok {
			j.Source = s.source
			return finish(j)
		}
		if err != nil {
			cause = fmt.Errorf("%s: %w", s.source, err)
		}
	}
	if cause == nil {
		cause = errNoJSON
	}
	return finish(heuristic(raw, cause))
}

// Heuristic scores text by length alone: empty text scores 0, otherwise
// 100 minus a tenth of a point per byte, floored at 0.
func Heuristic(text string) float64 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	return math.Max(0, MaxScore-0.1*float64(len(trimmed)))
}

func heuristic(raw string, cause error) Judgement {
	if strings.TrimSpace(raw) == "" {
		cause = errEmptyText
	}
	return Judgement{
		Score:    Heuristic(raw),
		Feedback: HeuristicPrefix + cause.Error(),
		Source:   SourceHeuristic,
	}
}

func finish(j Judgement) Judgement {
	j.Score = Clamp(j.Score)
	j.Feedback = strings.TrimSpace(j.Feedback)
	return j
}

// Clamp bounds a score to [MinScore, MaxScore]; NaN becomes MinScore.
func Clamp(score float64) float64 {
	if math.IsNaN(score) {
		return MinScore
	}
	return math.Min(MaxScore, math.Max(MinScore, score))
}

func wholeJSON(raw string) (Judgement, bool, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return Judgement{}, false, nil
	}
	// the object must be the whole text; leading objects fall through to later stages
	if !json.Valid([]byte(trimmed)) {
		if _, _, err := decode(trimmed); err != nil {
			return Judgement{}, false, err
		}
		return Judgement{}, false, errTrailingText
	}
	return decode(trimmed)
}

var fenceRe = regexp.MustCompile("(?s)```[ \\t]*(?i:json)[ \\t]*\\r?\\n(.*?)```")

func fencedJSON(raw string) (Judgement, bool, error) {
	matches := fenceRe.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return Judgement{}, false, nil
	}
	var lastErr error
	for _, m := range matches {
		j, ok, err := decode(strings.TrimSpace(m[1]))
		if ok {
			return j, true, nil
		}
		lastErr = err
	}
	return Judgement{}, false, lastErr
}

// braceSpan parses the first balanced {...} span, skipping braces inside
// JSON strings.
func braceSpan(raw string) (Judgement, bool, error) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return Judgement{}, false, nil
	}
	end := balancedEnd(raw, start)
	if end < 0 {
		return Judgement{}, false, errors.New("unbalanced braces")
	}
	return decode(raw[start : end+1])
}

// balancedEnd returns the index of the brace closing the one at start, or -1.
func balancedEnd(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func decode(text string) (Judgement, bool, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var obj map[string]json.RawMessage
	if err := dec.Decode(&obj); err != nil {
		return Judgement{}, false, err
	}
	if obj == nil {
		return Judgement{}, false, errors.New("not a JSON object")
	}

	rawScore, ok := field(obj, "score")
	if !ok {
		return Judgement{}, false, errNoScore
	}
	score, err := number(rawScore)
	if err != nil {
		return Judgement{}, false, fmt.Errorf("score: %w", err)
	}

	return Judgement{
		Score:    score,
		Feedback: feedbackText(fieldValue(obj, "feedback")),
		Criteria: criteria(fieldValue(obj, "criteria")),
	}, true, nil
}

// field looks a key up exactly, then case-insensitively.
func field(obj map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	if v, ok := obj[key]; ok {
		return v, true
	}
	for k, v := range obj {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func fieldValue(obj map[string]json.RawMessage, key string) json.RawMessage {
	v, _ := field(obj, key)
	return v
}

// number accepts a JSON number or a string holding one.
func number(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	var s string
	if len(raw) > 0 && raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
	} else {
		s = string(raw)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		// out-of-range values come back as ±Inf and are clamped later
		if errors.Is(err, strconv.ErrRange) {
			return f, nil
		}
		return 0, fmt.Errorf("not numeric: %s", raw)
	}
	return f, nil
}

// feedbackText renders feedback: strings as-is, absent or null as empty, other
// JSON values as their compact source text.
func feedbackText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func criteria(raw json.RawMessage) map[string]float64 {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil || len(m) == 0 {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		if f, err := number(v); err == nil && !math.IsNaN(f) {
			out[k] = f
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
