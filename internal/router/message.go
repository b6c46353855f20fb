// Package router demultiplexes messages arriving from module frames and the
// shell page and dispatches them to the portal components.
package router

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/sso-portal/internal/domain"
)

var (
	// ErrNotObject is returned for payloads that are not JSON objects.
	ErrNotObject = errors.New("message is not a JSON object")
	// ErrUnknownType is returned for unrecognized type tags.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMalformed is returned when a recognized message has unusable fields.
	ErrMalformed = errors.New("malformed message")
)

// Inbound message type tags.
const (
	TypeRequestSession   = "request-session"
	TypeLogout           = "logout"
	TypeActivity         = "activity"
	TypeModuleReady      = "module-ready"
	TypePreferenceUpdate = "preference-update"
	TypeModuleRegister   = "module-register"
	TypeProgressReport   = "progress-report"
	TypeSectionCompleted = "section-completed"
	TypeSubmitArtifact   = "submit-artifact"
	TypeSubmitJobSheet   = "submit-jobsheet"
	TypeSubmitTestResult = "submit-test-result"
	TypeSessionExpired   = "session-expired"
	TypeRequestLogout    = "request-logout"
)

// Reply type tags.
const (
	ReplySessionResponse = "session-response"
	ReplySessionExpired  = "session-expired"
)

// Message is one decoded inbound message.
type Message interface {
	Type() string
}

type RequestSession struct {
	ModuleID string `json:"moduleId"`
	AppID    string `json:"appId"`
}

type Logout struct{}

type Activity struct {
	Action  string         `json:"action"`
	Details map[string]any `json:"details"`
}

type ModuleReady struct {
	ModuleID string `json:"moduleId"`
}

type PreferenceUpdate struct {
	Preferences map[string]any `json:"preferences"`
}

type ModuleRegister struct {
	AppID   string `json:"appId"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

type ProgressReport struct {
	ModuleID string         `json:"moduleId"`
	Progress map[string]any `json:"progress"`
}

type SectionCompleted struct {
	ModuleID  string         `json:"moduleId"`
	SectionID string         `json:"sectionId"`
	Progress  map[string]any `json:"progress"`
}

// SubmitArtifact carries a job sheet or test result.
type SubmitArtifact struct {
	ModuleID string              `json:"moduleId"`
	Kind     domain.ArtifactKind `json:"-"`
	Data     map[string]any      `json:"data"`
}

type SessionExpired struct {
	ModuleID string `json:"moduleId"`
}

type RequestLogout struct {
	ModuleID string `json:"moduleId"`
	Reason   string `json:"reason"`
}

func (RequestSession) Type() string   { return TypeRequestSession }
func (Logout) Type() string           { return TypeLogout }
func (Activity) Type() string         { return TypeActivity }
func (ModuleReady) Type() string      { return TypeModuleReady }
func (PreferenceUpdate) Type() string { return TypePreferenceUpdate }
func (ModuleRegister) Type() string   { return TypeModuleRegister }
func (ProgressReport) Type() string   { return TypeProgressReport }
func (SectionCompleted) Type() string { return TypeSectionCompleted }
func (SubmitArtifact) Type() string   { return TypeSubmitArtifact }
func (SessionExpired) Type() string   { return TypeSessionExpired }
func (RequestLogout) Type() string    { return TypeRequestLogout }

// artifactKinds maps the wire kind tag to the stored kind.
var artifactKinds = map[string]domain.ArtifactKind{
	"job-sheet":   domain.ArtifactJobSheet,
	"jobsheet":    domain.ArtifactJobSheet,
	"job_sheet":   domain.ArtifactJobSheet,
	"test-result": domain.ArtifactTestResult,
	"test_result": domain.ArtifactTestResult,
}

// Decode parses data into a typed message. Payloads that are not objects
// return ErrNotObject; unknown tags return ErrUnknownType.
func Decode(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil, ErrNotObject
	}
	var typ string
	if raw, ok := fields["type"]; !ok || json.Unmarshal(raw, &typ) != nil {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch typ {
	case TypeRequestSession:
		return decodeAs[RequestSession](data)
	case TypeLogout:
		return Logout{}, nil
	case TypeActivity:
		m, err := decodeAs[Activity](data)
		if err == nil && m.Action == "" {
			return nil, fmt.Errorf("%w: activity without action", ErrMalformed)
		}
		return m, err
	case TypeModuleReady:
		return decodeAs[ModuleReady](data)
	case TypePreferenceUpdate:
		m, err := decodeAs[PreferenceUpdate](data)
		if err == nil && m.Preferences == nil {
			return nil, fmt.Errorf("%w: preference update without preferences", ErrMalformed)
		}
		return m, err
	case TypeModuleRegister:
		m, err := decodeAs[ModuleRegister](data)
		if err == nil && m.AppID == "" {
			return nil, fmt.Errorf("%w: module-register without appId", ErrMalformed)
		}
		return m, err
	case TypeProgressReport:
		return decodeAs[ProgressReport](data)
	case TypeSectionCompleted:
		m, err := decodeAs[SectionCompleted](data)
		if err == nil && m.SectionID == "" {
			return nil, fmt.Errorf("%w: section-completed without sectionId", ErrMalformed)
		}
		return m, err
	case TypeSubmitArtifact, TypeSubmitJobSheet, TypeSubmitTestResult:
		return decodeArtifact(typ, data)
	case TypeSessionExpired:
		return decodeAs[SessionExpired](data)
	case TypeRequestLogout:
		return decodeAs[RequestLogout](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
}

func decodeAs[T Message](data []byte) (T, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

func decodeArtifact(typ string, data []byte) (Message, error) {
	var wire struct {
		SubmitArtifact
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	m := wire.SubmitArtifact

	switch typ {
	case TypeSubmitJobSheet:
		m.Kind = domain.ArtifactJobSheet
	case TypeSubmitTestResult:
		m.Kind = domain.ArtifactTestResult
	default:
		kind, ok := artifactKinds[wire.Kind]
		if !ok {
			return nil, fmt.Errorf("%w: artifact kind %q", ErrMalformed, wire.Kind)
		}
		m.Kind = kind
	}
	if m.Data == nil {
		return nil, fmt.Errorf("%w: artifact without data", ErrMalformed)
	}
	return m, nil
}
