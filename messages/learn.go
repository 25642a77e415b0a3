package messages

import "github.com/lishenglong/rDSN/gpid"

// LearnStatus is the learner-visible status of a learning session
// (spec §3, §4.4).
type LearnStatus int

const (
	StatusWithoutPrepare LearnStatus = iota
	StatusWithPrepare
	StatusSucceeded
	StatusFailed
)

func (s LearnStatus) String() string {
	switch s {
	case StatusWithoutPrepare:
		return "without_prepare"
	case StatusWithPrepare:
		return "with_prepare"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FileSpec names one file offered as part of a learn state, relative to
// the primary's data_dir() once stripped (spec §4.4 on_learn).
type FileSpec struct {
	RelativePath string
	Size         int64
	Checksum     []byte
}

// LearnState is the payload app.GetLearnState returns and the learner
// applies via app.ApplyLearnState (spec §4.4).
type LearnState struct {
	Files        []FileSpec
	CommitDecree gpid.Decree
	Meta         []byte
}

// ReplicaConfig is the minimal slice of replica-role configuration a
// learner needs to detect a ballot change in a LearnResponse (spec §4.4
// on_learn_reply).
type ReplicaConfig struct {
	Ballot  int64
	Primary string
	Status  ReplicaStatus
}

// ReplicaStatus mirrors the host replica's role state machine, referenced
// by the learning protocol but owned outside this core (spec §4.5).
type ReplicaStatus int

const (
	StatusInactive ReplicaStatus = iota
	StatusPrimary
	StatusSecondary
	StatusPotentialSecondary
	StatusError
)

// LearnRequest is sent by a potential secondary to the primary (spec §4.4).
type LearnRequest struct {
	GPID                          gpid.GPID
	LastCommittedDecreeInApp      gpid.Decree
	LastCommittedDecreeInPrepare  gpid.Decree
	LearnerAddress                string
	Signature                     uint64
	AppSpecificPayload            []byte
}

// LearnResponse is the primary's reply to a LearnRequest (spec §4.4).
type LearnResponse struct {
	Err               ErrorCode
	Config            ReplicaConfig
	PrepareStartDecree gpid.Decree
	State             LearnState
}

// GroupCheckResponse carries LEARN_COMPLETION_NOTIFY (spec §4.4
// notify_learn_completion).
type GroupCheckResponse struct {
	LastCommittedDecreeInApp     gpid.Decree
	LastCommittedDecreeInPrepare gpid.Decree
	LearnerSignature             uint64
	Status                       LearnStatus
	Node                         string
}

// AddLearnerRequest models the primary-side on_add_learner trigger
// (spec §4.4).
type AddLearnerRequest struct {
	Ballot           int64
	LearnerAddress   string
	LearnerSignature uint64
	Config           ReplicaConfig
}
