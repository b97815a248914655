package models

import "time"

// Trial labels used in sequence tracks
const (
	LabelTarget       = "target"
	LabelTargetRepeat = "target repeat"
	LabelFiller       = "filler"
	LabelVig          = "vig"
	LabelVigRepeat    = "vig repeat"
)

// PreviewAssignmentID is what mTurk passes as assignmentId while a HIT is only previewed.
const PreviewAssignmentID = "ASSIGNMENT_ID_NOT_AVAILABLE"

// RunInfo is returned by /initializerun and /initializepreview
type RunInfo struct {
	IndexToRun   int      `json:"index_to_run"`
	SequenceFile string   `json:"sequenceFile"`
	Images       []string `json:"images"`
	Conditions   []string `json:"conditions,omitempty"`
	Blocked      bool     `json:"blocked"`
	Finished     bool     `json:"finished"`
	Maintenance  bool     `json:"maintenance"`
	Running      bool     `json:"running"`
	Timestamp    string   `json:"timestamp"`
}

// RunPayload is the data of one finished run, posted to /finalizerun
type RunPayload struct {
	AssignmentID    string `json:"assignmentId"`
	WorkerID        string `json:"workerId"`
	IndexToRun      int    `json:"indexToRun"`
	SequenceFile    string `json:"sequenceFile"`
	ResponseIndices []int  `json:"responseIndices"`
	Preview         bool   `json:"preview"`
	Timestamp       string `json:"timestamp"`
	Medium          string `json:"medium"`
	InitTime        string `json:"initTime"`
	FinishTime      string `json:"finishTime"`
	NumTrials       int    `json:"numTrials"`
}

// FinalizeResult is returned by /finalizerun
type FinalizeResult struct {
	HitRate       float64 `json:"hit_rate"`
	FalseAlarmNum int     `json:"false_alarm_num"`
	Blocked       bool    `json:"blocked"`
	Finished      bool    `json:"finished"`
	Maintenance   bool    `json:"maintenance"`
}

// Submission is posted to /submitruns by participants outside mTurk
type Submission struct {
	WorkerID     string  `json:"workerId"`
	Timestamp    string  `json:"timestamp"`
	Compensation float64 `json:"compensation"`
	Medium       string  `json:"medium"`
	Feedback     string  `json:"feedback"`

	Runs []RunPayload `json:"runs,omitempty"`
}

// Assignment binds a worker to a sequence track
type Assignment struct {
	WorkerID     string    `json:"workerId"`
	SequenceFile string    `json:"sequenceFile"`
	IndexToRun   int       `json:"indexToRun"`
	Blocked      bool      `json:"blocked"`
	Finished     bool      `json:"finished"`
	Timestamp    time.Time `json:"timestamp"`
	Version      string    `json:"version"`
}

// TrialRecord is one stored trial of a finalized run
type TrialRecord struct {
	WorkerID     string `json:"workerId"`
	AssignmentID string `json:"assignmentId"`
	Medium       string `json:"medium"`
	SequenceFile string `json:"sequenceFile"`
	RunIndex     int    `json:"runIndex"`
	TrialIndex   int    `json:"trialIndex"`
	Response     int    `json:"response"`
	Condition    string `json:"condition"`
	Image        string `json:"image"`
	Timestamp    string `json:"timestamp"`
	InitTime     string `json:"initTime"`
	FinishTime   string `json:"finishTime"`
}

// Dashboard counts finalized blocks, used to decide when to stop collecting
type Dashboard struct {
	NumBlocksTotal int `json:"numBlocksTotalSoFar"`
	NumValidBlocks int `json:"numValidBlocksSoFar"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
