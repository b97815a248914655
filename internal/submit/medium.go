package submit

import "strings"

// Medium is the referral channel a participant arrived through.
type Medium string

const (
	MediumMTurk    Medium = "mturk"
	MediumSandbox  Medium = "mturk_sandbox"
	MediumExternal Medium = "external"
)

// mTurk endpoints for externally hosted HITs
const (
	MTurkSubmitURL   = "https://www.mturk.com/mturk/externalSubmit"
	SandboxSubmitURL = "https://workersandbox.mturk.com/mturk/externalSubmit"
)

// DetectMedium classifies a referral URL. Previews cannot be told apart from
// the sandbox unless the URL says so; they are treated as mturk.
func DetectMedium(rawURL string) Medium {
	if strings.Contains(rawURL, "turk") || strings.Contains(rawURL, "ASSIGNMENT_ID_NOT_AVAILABLE") {
		if strings.Contains(rawURL, "sandbox") {
			return MediumSandbox
		}
		return MediumMTurk
	}
	return MediumExternal
}

// ParseMedium accepts the stored string form; unknown values are external.
func ParseMedium(s string) Medium {
	switch Medium(s) {
	case MediumMTurk, MediumSandbox:
		return Medium(s)
	default:
		return MediumExternal
	}
}

// Crowdsourced reports whether submissions go through an mTurk form.
func (m Medium) Crowdsourced() bool {
	return m == MediumMTurk || m == MediumSandbox
}

func (m Medium) String() string { return string(m) }
