// Package ingest turns the semi-structured output of a running worker into
// typed metric samples and progress updates. Parsing is tolerant: a line
// that matches no recognized shape is dropped, never fatal.
package ingest

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ahrav/runstream/internal/domain/session"
)

// ParsedLine is the structured result of one recognized worker output line.
type ParsedLine struct {
	// Metrics holds every name/value pair the line carried, excluding
	// ordinal bookkeeping fields.
	Metrics map[string]float64

	// Step is the step or epoch ordinal, session.NoStep when absent.
	Step int64

	// TotalSteps is the declared total if the line carried one, 0 otherwise.
	TotalSteps int64
}

// LineParser recognizes worker output lines. Implementations must be safe
// for concurrent use; one parser instance serves every session's stream.
type LineParser interface {
	// Parse attempts to extract metrics from a single line. The second
	// return is false when the line matches no recognized shape.
	Parse(line string) (ParsedLine, bool)
}

// ordinal field names recognized across both line shapes.
const (
	fieldStep        = "step"
	fieldEpoch       = "epoch"
	fieldTotalSteps  = "total_steps"
	fieldTotalEpochs = "total_epochs"
)

// TrainerOutputParser is the default LineParser. It recognizes two shapes:
// JSON object lines with numeric fields ({"epoch":3,"loss":0.42}) and
// key=value token lines (epoch=3 loss=0.42). Anything else is unrecognized.
type TrainerOutputParser struct{}

// NewTrainerOutputParser creates the default parser.
func NewTrainerOutputParser() *TrainerOutputParser { return &TrainerOutputParser{} }

// Parse implements LineParser.
func (p *TrainerOutputParser) Parse(line string) (ParsedLine, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return ParsedLine{}, false
	}

	if strings.HasPrefix(line, "{") {
		return p.parseJSON(line)
	}
	return p.parseKeyValue(line)
}

func (p *TrainerOutputParser) parseJSON(line string) (ParsedLine, bool) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return ParsedLine{}, false
	}

	result := ParsedLine{Metrics: make(map[string]float64), Step: session.NoStep}
	for key, raw := range fields {
		value, ok := raw.(float64)
		if !ok {
			continue
		}
		result.assign(key, value)
	}

	return result.finish()
}

func (p *TrainerOutputParser) parseKeyValue(line string) (ParsedLine, bool) {
	result := ParsedLine{Metrics: make(map[string]float64), Step: session.NoStep}

	for _, token := range strings.Fields(line) {
		key, rawValue, found := strings.Cut(token, "=")
		if !found || key == "" {
			continue
		}
		value, err := strconv.ParseFloat(rawValue, 64)
		if err != nil {
			continue
		}
		result.assign(key, value)
	}

	return result.finish()
}

// assign routes one parsed field to either an ordinal slot or the metrics map.
func (r *ParsedLine) assign(key string, value float64) {
	switch key {
	case fieldStep, fieldEpoch:
		r.Step = int64(value)
	case fieldTotalSteps, fieldTotalEpochs:
		r.TotalSteps = int64(value)
	default:
		r.Metrics[key] = value
	}
}

// finish rejects lines that carried neither metrics nor an ordinal.
func (r ParsedLine) finish() (ParsedLine, bool) {
	if len(r.Metrics) == 0 && r.Step == session.NoStep {
		return ParsedLine{}, false
	}
	return r, true
}
