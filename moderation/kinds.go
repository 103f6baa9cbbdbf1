package moderation

import "strings"

type ActionKind string

const (
	ActionFlag        ActionKind = "com.atproto.admin.defs#flag"
	ActionAcknowledge ActionKind = "com.atproto.admin.defs#acknowledge"
	ActionTakedown    ActionKind = "com.atproto.admin.defs#takedown"
)

// ParseActionKind accepts the full token or its fragment, eg "takedown".
func ParseActionKind(raw string) (ActionKind, error) {
	switch k := ActionKind(expandToken("com.atproto.admin.defs", raw)); k {
	case ActionFlag, ActionAcknowledge, ActionTakedown:
		return k, nil
	default:
		return "", invalidf("unknown action kind %q", raw)
	}
}

type ReasonType string

const (
	ReasonSpam       ReasonType = "com.atproto.moderation.defs#reasonSpam"
	ReasonViolation  ReasonType = "com.atproto.moderation.defs#reasonViolation"
	ReasonMisleading ReasonType = "com.atproto.moderation.defs#reasonMisleading"
	ReasonSexual     ReasonType = "com.atproto.moderation.defs#reasonSexual"
	ReasonRude       ReasonType = "com.atproto.moderation.defs#reasonRude"
	ReasonOther      ReasonType = "com.atproto.moderation.defs#reasonOther"
)

// ParseReasonType accepts the full token, its fragment ("reasonSpam"), or the
// bare name ("spam").
func ParseReasonType(raw string) (ReasonType, error) {
	token := raw
	if !strings.Contains(raw, "#") && raw != "" && !strings.HasPrefix(raw, "reason") {
		token = "reason" + strings.ToUpper(raw[:1]) + raw[1:]
	}
	switch r := ReasonType(expandToken("com.atproto.moderation.defs", token)); r {
	case ReasonSpam, ReasonViolation, ReasonMisleading, ReasonSexual, ReasonRude, ReasonOther:
		return r, nil
	default:
		return "", invalidf("unknown report reason type %q", raw)
	}
}

func expandToken(nsid, raw string) string {
	if raw == "" || strings.Contains(raw, "#") {
		return raw
	}
	return nsid + "#" + raw
}
