package notifs

import (
	"encoding/json"
	"fmt"
)

type Reason string

const (
	ReasonVote      Reason = "vote"
	ReasonAssertion Reason = "assertion"
	ReasonRepost    Reason = "repost"
	ReasonFollow    Reason = "follow"
	ReasonInvite    Reason = "invite"
	ReasonMention   Reason = "mention"
	ReasonReply     Reason = "reply"
)

func ParseReason(raw string) (Reason, error) {
	switch r := Reason(raw); r {
	case ReasonVote, ReasonAssertion, ReasonRepost, ReasonFollow, ReasonInvite, ReasonMention, ReasonReply:
		return r, nil
	default:
		return "", fmt.Errorf("unknown notification reason: %q", raw)
	}
}

type MessageType string

const (
	TypeCreateNotification  MessageType = "create_notification"
	TypeDeleteNotifications MessageType = "delete_notifications"
)

// Info describes a single notification for one user.
//
// ReasonSubject disambiguates the upstream record a notification concerns,
// eg the post that was replied to.
type Info struct {
	UserDid       string  `json:"userDid"`
	Author        string  `json:"author"`
	RecordUri     string  `json:"recordUri"`
	RecordCid     string  `json:"recordCid"`
	Reason        Reason  `json:"reason"`
	ReasonSubject *string `json:"reasonSubject,omitempty"`
}

// Message is either a *CreateNotification or a *DeleteNotifications.
type Message interface {
	Type() MessageType
	// RecordURI is the record the message's notifications trace back to.
	RecordURI() string

	isMessage()
}

type CreateNotification struct {
	Info
}

// DeleteNotifications retracts every notification whose provenance is RecordUri.
type DeleteNotifications struct {
	RecordUri string `json:"recordUri"`
}

func (m *CreateNotification) Type() MessageType { return TypeCreateNotification }
func (m *CreateNotification) RecordURI() string { return m.Info.RecordUri }
func (*CreateNotification) isMessage()          {}

func (m *DeleteNotifications) Type() MessageType { return TypeDeleteNotifications }
func (m *DeleteNotifications) RecordURI() string { return m.RecordUri }
func (*DeleteNotifications) isMessage()          {}

// NewCreateNotification does not validate info; callers supply a resolvable
// record and a reason from the closed set.
func NewCreateNotification(info Info) *CreateNotification {
	return &CreateNotification{Info: info}
}

func NewDeleteNotifications(recordUri string) *DeleteNotifications {
	return &DeleteNotifications{RecordUri: recordUri}
}

type createEnvelope struct {
	Type MessageType `json:"type"`
	Info
}

type deleteEnvelope struct {
	Type MessageType `json:"type"`
	DeleteNotifications
}

// Encode serializes a message as JSON with a "type" discriminant.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case *CreateNotification:
		return json.Marshal(createEnvelope{Type: TypeCreateNotification, Info: v.Info})
	case *DeleteNotifications:
		return json.Marshal(deleteEnvelope{Type: TypeDeleteNotifications, DeleteNotifications: *v})
	default:
		return nil, fmt.Errorf("unsupported notification message: %T", m)
	}
}

func Decode(b []byte) (Message, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return nil, fmt.Errorf("decoding notification message: %w", err)
	}
	switch head.Type {
	case TypeCreateNotification:
		var env createEnvelope
		if err := json.Unmarshal(b, &env); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", head.Type, err)
		}
		if _, err := ParseReason(string(env.Reason)); err != nil {
			return nil, err
		}
		return &CreateNotification{Info: env.Info}, nil
	case TypeDeleteNotifications:
		var env deleteEnvelope
		if err := json.Unmarshal(b, &env); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", head.Type, err)
		}
		return &env.DeleteNotifications, nil
	default:
		return nil, fmt.Errorf("unrecognized notification message type: %q", head.Type)
	}
}
