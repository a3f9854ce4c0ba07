package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/runstream/internal/domain/session"
)

func TestTrainerOutputParser_JSONLines(t *testing.T) {
	parser := NewTrainerOutputParser()

	tests := []struct {
		name string
		line string
		want ParsedLine
	}{
		{
			name: "epoch with metric",
			line: `{"epoch":1,"loss":0.5}`,
			want: ParsedLine{Metrics: map[string]float64{"loss": 0.5}, Step: 1},
		},
		{
			name: "step with totals and multiple metrics",
			line: `{"step":40,"total_steps":100,"loss":0.42,"accuracy":0.88}`,
			want: ParsedLine{Metrics: map[string]float64{"loss": 0.42, "accuracy": 0.88}, Step: 40, TotalSteps: 100},
		},
		{
			name: "total epochs alias",
			line: `{"epoch":3,"total_epochs":10,"loss":0.2}`,
			want: ParsedLine{Metrics: map[string]float64{"loss": 0.2}, Step: 3, TotalSteps: 10},
		},
		{
			name: "metric only",
			line: `{"sharpe_ratio":1.7}`,
			want: ParsedLine{Metrics: map[string]float64{"sharpe_ratio": 1.7}, Step: session.NoStep},
		},
		{
			name: "non-numeric fields ignored",
			line: `{"epoch":2,"loss":0.3,"phase":"warmup"}`,
			want: ParsedLine{Metrics: map[string]float64{"loss": 0.3}, Step: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parser.Parse(tt.line)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTrainerOutputParser_KeyValueLines(t *testing.T) {
	parser := NewTrainerOutputParser()

	got, ok := parser.Parse("epoch=3 loss=0.42 lr=0.001")
	require.True(t, ok)
	assert.Equal(t, int64(3), got.Step)
	assert.Equal(t, map[string]float64{"loss": 0.42, "lr": 0.001}, got.Metrics)

	got, ok = parser.Parse("step=10 total_steps=50 pnl=-123.45")
	require.True(t, ok)
	assert.Equal(t, int64(10), got.Step)
	assert.Equal(t, int64(50), got.TotalSteps)
	assert.Equal(t, map[string]float64{"pnl": -123.45}, got.Metrics)
}

func TestTrainerOutputParser_UnrecognizedLines(t *testing.T) {
	parser := NewTrainerOutputParser()

	tests := []struct {
		name string
		line string
	}{
		{name: "empty", line: ""},
		{name: "whitespace", line: "   "},
		{name: "free text", line: "starting training run..."},
		{name: "truncated json", line: `{"epoch":1,"loss":`},
		{name: "json without numeric fields", line: `{"phase":"warmup"}`},
		{name: "tokens without values", line: "loss= =0.5 epoch"},
		{name: "non-numeric values", line: "loss=abc epoch=two"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := parser.Parse(tt.line)
			assert.False(t, ok, "line %q must not parse", tt.line)
		})
	}
}
