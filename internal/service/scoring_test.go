package service

import (
	"testing"

	"github.com/memorygame/internal/config"
)

func TestComputeScores(t *testing.T) {
	labels := config.DefaultExperiment().Server.ConditionLabels

	tests := []struct {
		name      string
		types     []string
		responses []int
		want      Scores
	}{
		{
			name:      "all repeats caught",
			types:     []string{"target", "filler", "target repeat", "target repeat"},
			responses: []int{2, 3},
			want:      Scores{HitRate: 1},
		},
		{
			name:      "half caught with a false alarm",
			types:     []string{"target", "filler", "target repeat", "target repeat"},
			responses: []int{1, 3},
			want:      Scores{HitRate: 0.5, FalseAlarmNum: 1},
		},
		{
			name:      "no repeats shown",
			types:     []string{"target", "filler", "vig"},
			responses: []int{0, 2},
			want:      Scores{HitRate: -1, FalseAlarmNum: 2},
		},
		{
			name:      "vig repeats are neither hits nor false alarms",
			types:     []string{"vig", "vig repeat"},
			responses: []int{1},
			want:      Scores{HitRate: -1},
		},
		{
			name:      "out of range responses are ignored",
			types:     []string{"target repeat"},
			responses: []int{5},
			want:      Scores{HitRate: 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeScores(tt.types, tt.responses, labels)
			if got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestPassesVigilance(t *testing.T) {
	criteria := config.BlockingCriteria{VigHitRate: 0.5, FalseAlarmRate: 0.4}

	tests := []struct {
		name      string
		types     []string
		responses []int
		want      bool
	}{
		{"vig repeats caught", []string{"vig", "vig repeat", "vig", "vig repeat", "filler"}, []int{1, 3}, true},
		{"half of vig repeats is enough", []string{"vig", "vig repeat", "vig", "vig repeat", "filler"}, []int{1}, true},
		{"no vig repeat caught", []string{"vig", "vig repeat", "filler"}, nil, false},
		{"false alarm rate at criterion", []string{"filler", "filler", "filler", "filler", "filler"}, []int{0, 1}, false},
		{"false alarm rate below criterion", []string{"filler", "filler", "filler", "filler", "filler"}, []int{0}, true},
		{"target repeats do not count", []string{"target", "target repeat"}, []int{1}, true},
		{"nothing to judge", nil, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PassesVigilance(tt.types, tt.responses, criteria); got != tt.want {
				t.Errorf("expected %t, got %t", tt.want, got)
			}
		})
	}
}
