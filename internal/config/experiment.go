package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Experiment holds the experiment-level settings shared by the backend and participants.
type Experiment struct {
	Version   string         `yaml:"version"`
	ServerURL string         `yaml:"server_url"`
	Game      GameSettings   `yaml:"game"`
	Images    ImageSettings  `yaml:"images"`
	Server    ServerSettings `yaml:"server"`
}

// GameSettings configures the participant-side trial sequence.
type GameSettings struct {
	ImageDuration    Duration `yaml:"image_duration"`
	FixationDuration Duration `yaml:"fixation_duration"`
	ResponseKeyCode  int      `yaml:"response_key_code"`
	TrialFeedback    bool     `yaml:"trial_feedback"`
	GoTrials         []string `yaml:"go_trials"`
	Reward           Reward   `yaml:"reward"`
	StartImage       string   `yaml:"start_image"`
	FixationImage    string   `yaml:"fixation_image"`
	// DebugTrials truncates every run to this many trials when > 0.
	DebugTrials int `yaml:"debug_trials"`
}

// Reward is the per-run bonus.
type Reward struct {
	Amount   float64 `yaml:"amount"`
	Currency string  `yaml:"currency"`
}

// ImageSettings locates stimulus images.
type ImageSettings struct {
	BaseURL string `yaml:"base_url"`
}

// ServerSettings configures sequence assignment, scoring and blocking.
type ServerSettings struct {
	SequenceDir         string           `yaml:"sequence_dir"`
	PreviewSequenceFile string           `yaml:"preview_sequence_file"`
	MaxNumRuns          int              `yaml:"max_num_runs"`
	Maintenance         bool             `yaml:"maintenance"`
	RunningWindow       Duration         `yaml:"running_window"`
	ConditionLabels     ConditionLabels  `yaml:"condition_labels"`
	BlockingCriteria    BlockingCriteria `yaml:"blocking_criteria"`
	WhitelistWorkerIDs  []string         `yaml:"whitelist_worker_ids"`
}

// ConditionLabels groups trial labels for scoring.
type ConditionLabels struct {
	RepeatTrials   []string `yaml:"repeat_trials"`
	NoRepeatTrials []string `yaml:"no_repeat_trials"`
}

// BlockingCriteria are the vigilance thresholds below which a worker gets blocked.
type BlockingCriteria struct {
	VigHitRate     float64 `yaml:"vig_hr_criterion"`
	FalseAlarmRate float64 `yaml:"far_criterion"`
}

// Duration is a time.Duration that unmarshals from "1s", "800ms" or a bare millisecond count.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var ms int64
	if err := value.Decode(&ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DefaultExperiment returns the stock study settings.
func DefaultExperiment() *Experiment {
	return &Experiment{
		Version:   "1",
		ServerURL: "http://localhost:8080/",
		Game: GameSettings{
			ImageDuration:    Duration(600 * time.Millisecond),
			FixationDuration: Duration(800 * time.Millisecond),
			ResponseKeyCode:  32,
			TrialFeedback:    false,
			GoTrials:         []string{"target repeat", "vig repeat"},
			Reward:           Reward{Amount: 0.1, Currency: "USD"},
			StartImage:       "start.png",
			FixationImage:    "fixation.png",
		},
		Server: ServerSettings{
			SequenceDir:         "sequences",
			PreviewSequenceFile: "sequences/preview.json",
			MaxNumRuns:          5,
			RunningWindow:       Duration(4 * time.Minute),
			ConditionLabels: ConditionLabels{
				RepeatTrials:   []string{"target repeat"},
				NoRepeatTrials: []string{"filler", "target", "vig"},
			},
			BlockingCriteria: BlockingCriteria{
				VigHitRate:     0.5,
				FalseAlarmRate: 0.4,
			},
		},
	}
}

// LoadExperiment reads an experiment YAML file on top of DefaultExperiment.
// A missing file yields the defaults.
func LoadExperiment(path string) (*Experiment, error) {
	exp := DefaultExperiment()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return exp, nil
		}
		return nil, fmt.Errorf("failed to read experiment config: %w", err)
	}

	if err := yaml.Unmarshal(data, exp); err != nil {
		return nil, fmt.Errorf("failed to parse experiment config: %w", err)
	}

	if err := exp.Validate(); err != nil {
		return nil, err
	}
	return exp, nil
}

// Validate checks the settings that would otherwise break a run midway.
func (e *Experiment) Validate() error {
	if e.Game.ImageDuration <= 0 {
		return fmt.Errorf("game.image_duration must be greater than 0")
	}
	if e.Game.FixationDuration <= 0 {
		return fmt.Errorf("game.fixation_duration must be greater than 0")
	}
	if e.Game.Reward.Amount < 0 {
		return fmt.Errorf("game.reward.amount must not be negative")
	}
	if e.Server.MaxNumRuns <= 0 {
		return fmt.Errorf("server.max_num_runs must be greater than 0")
	}
	return nil
}
