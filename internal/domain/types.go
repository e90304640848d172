package domain

import "time"

// Phase is a discrete stage of the interview.
type Phase string

const (
	PhaseNotStarted              Phase = "not_started"
	PhaseGreeting                Phase = "greeting"
	PhaseTechnical               Phase = "technical"
	PhaseCoding                  Phase = "coding"
	PhaseConcluded               Phase = "concluded"
	PhaseTerminatedForViolations Phase = "terminated_for_violations"
)

// Active reports whether the phase is one of the in-call phases.
func (p Phase) Active() bool {
	switch p {
	case PhaseGreeting, PhaseTechnical, PhaseCoding:
		return true
	default:
		return false
	}
}

// Terminal reports whether the phase can only be left through a reset.
func (p Phase) Terminal() bool {
	return p == PhaseConcluded || p == PhaseTerminatedForViolations
}

// Rank orders the active phases; transitions never move to a lower rank.
func (p Phase) Rank() int {
	switch p {
	case PhaseGreeting:
		return 1
	case PhaseTechnical:
		return 2
	case PhaseCoding:
		return 3
	case PhaseConcluded, PhaseTerminatedForViolations:
		return 4
	default:
		return 0
	}
}

// SessionReason explains why the session state changed.
type SessionReason string

const (
	SessionReasonReady              SessionReason = "ready"
	SessionReasonStarted            SessionReason = "started"
	SessionReasonServerStage        SessionReason = "server_stage"
	SessionReasonCallEnded          SessionReason = "call_ended"
	SessionReasonServerConcluded    SessionReason = "server_concluded"
	SessionReasonViolationThreshold SessionReason = "violation_threshold"
	SessionReasonServerTerminated   SessionReason = "server_terminated"
	SessionReasonReset              SessionReason = "reset"
	SessionReasonShutdown           SessionReason = "shutdown"
)

// ErrorCode identifies non-fatal and fatal backend errors.
type ErrorCode string

const (
	ErrorCodeStartup     ErrorCode = "startup"
	ErrorCodeDevice      ErrorCode = "device"
	ErrorCodeRecognition ErrorCode = "recognition"
	ErrorCodeNetwork     ErrorCode = "network"
	ErrorCodeBackend     ErrorCode = "backend"
)

// ViolationKind identifies an integrity-risk signal.
type ViolationKind string

const (
	ViolationTabSwitch          ViolationKind = "tab_switch"
	ViolationWindowBlur         ViolationKind = "window_blur"
	ViolationMouseLeaveTop      ViolationKind = "mouse_leave_top"
	ViolationSuspiciousShortcut ViolationKind = "suspicious_shortcut"
	ViolationFaceAbsent         ViolationKind = "face_absent"
	ViolationGazeAway           ViolationKind = "gaze_away"
	ViolationCameraOff          ViolationKind = "camera_off"
)

// AllViolationKinds lists every kind the detector understands.
func AllViolationKinds() []ViolationKind {
	return []ViolationKind{
		ViolationTabSwitch,
		ViolationWindowBlur,
		ViolationMouseLeaveTop,
		ViolationSuspiciousShortcut,
		ViolationFaceAbsent,
		ViolationGazeAway,
		ViolationCameraOff,
	}
}

// Label is the human-readable name used in warning messages.
func (k ViolationKind) Label() string {
	switch k {
	case ViolationTabSwitch:
		return "Tab switching"
	case ViolationWindowBlur:
		return "Application switching"
	case ViolationMouseLeaveTop:
		return "Pointer leaving the window"
	case ViolationSuspiciousShortcut:
		return "Restricted keyboard shortcut"
	case ViolationFaceAbsent:
		return "Face not visible"
	case ViolationGazeAway:
		return "Looking away from the screen"
	case ViolationCameraOff:
		return "Camera turned off"
	default:
		return "Integrity issue"
	}
}

// ViolationEvent is an accepted violation. It is never mutated after creation.
type ViolationEvent struct {
	Kind      ViolationKind `json:"kind"`
	Timestamp time.Time     `json:"timestamp"`
	Message   string        `json:"message"`
}

// Speaker identifies who produced a transcript line.
type Speaker string

const (
	SpeakerAI   Speaker = "AI"
	SpeakerUser Speaker = "User"
)

// TranscriptEntry is one line of the server-side conversation.
type TranscriptEntry struct {
	Speaker   Speaker `json:"speaker"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
}

// AIState drives live interviewer feedback. It is always replaced as a whole.
type AIState struct {
	Speaking       bool   `json:"speaking"`
	Listening      bool   `json:"listening"`
	CurrentMessage string `json:"current_message"`
}

// Warning is a violation record as stored by the backend.
type Warning struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

// Server-side stage names reported by interview-status.
const (
	StageGreeting                  = "greeting"
	StageTechBackground            = "tech_background"
	StageSkillQuestions            = "skill_questions"
	StageCodingChallenges          = "coding_challenges"
	StageDoubtClearing             = "doubt_clearing"
	StageConcluded                 = "concluded"
	StatusTerminatedDueToViolation = "terminated_due_to_violations"
)

// InterviewStatus is the authoritative server view of the interview.
type InterviewStatus struct {
	Active               bool   `json:"active"`
	Stage                string `json:"stage"`
	Status               string `json:"status,omitempty"`
	CurrentQuestion      string `json:"current_question,omitempty"`
	SkillQuestionsAsked  int    `json:"skill_questions_asked,omitempty"`
	CodingQuestionsAsked int    `json:"coding_questions_asked,omitempty"`
	CurrentDomain        string `json:"current_domain,omitempty"`
}

// TerminatedForViolations reports whether the server ended the interview for integrity reasons.
func (s InterviewStatus) TerminatedForViolations() bool {
	return s.Status == StatusTerminatedDueToViolation || s.Stage == StatusTerminatedDueToViolation
}

// Concluded reports whether the server considers the interview over.
func (s InterviewStatus) Concluded() bool {
	return !s.Active || s.Stage == StageConcluded
}

// TranscriptKind identifies whether a recogniser event is partial or final text.
type TranscriptKind string

const (
	TranscriptKindPartial TranscriptKind = "partial"
	TranscriptKindFinal   TranscriptKind = "final"
)

// TranscriptEvent represents incremental recognition output from a speech engine.
type TranscriptEvent struct {
	Kind          TranscriptKind `json:"kind"`
	Text          string         `json:"text"`
	IsSpeechFinal bool           `json:"isSpeechFinal"`
}

// CodeResult is the backend's answer to a code submission.
type CodeResult struct {
	Success          bool   `json:"success"`
	Output           string `json:"output"`
	FollowupQuestion string `json:"followup_question,omitempty"`
}

// View names a render target for the candidate's camera.
type View string

const (
	ViewCall View = "call"
	ViewCode View = "code"
)

// Status summarizes the current runtime status.
type Status struct {
	SessionID       string        `json:"sessionId,omitempty"`
	Phase           Phase         `json:"phase"`
	Active          bool          `json:"active"`
	ActivatedAt     time.Time     `json:"activatedAt,omitempty"`
	ViolationCount  int           `json:"violationCount"`
	CurrentQuestion string        `json:"currentQuestion,omitempty"`
	LastWarning     string        `json:"lastWarning,omitempty"`
	Listening       bool          `json:"listening"`
	MediaLive       bool          `json:"mediaLive"`
	VideoLive       bool          `json:"videoLive"`
	Stale           bool          `json:"stale"`
	Reason          SessionReason `json:"reason,omitempty"`
	Message         string        `json:"message,omitempty"`
}
