package modapi

import (
	"github.com/bluesky-social/bailiff/moderation"
	"github.com/bluesky-social/bailiff/subject"
	"github.com/bluesky-social/bailiff/util"
)

type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Message string `json:"msg,omitempty"`
}

type ReversalView struct {
	Reason    string `json:"reason"`
	CreatedBy string `json:"createdBy"`
	CreatedAt string `json:"createdAt"`
}

type ActionView struct {
	ID                uint64        `json:"id"`
	Action            string        `json:"action"`
	Subject           *subject.Ref  `json:"subject"`
	Reason            string        `json:"reason"`
	CreatedBy         string        `json:"createdBy"`
	CreatedAt         string        `json:"createdAt"`
	Reversal          *ReversalView `json:"reversal,omitempty"`
	ResolvedReportIDs []uint64      `json:"resolvedReportIds"`
}

func NewActionView(act *moderation.Action) *ActionView {
	out := &ActionView{
		ID:                act.ID,
		Action:            string(act.Kind),
		Subject:           subject.ToRef(act.Subject),
		Reason:            act.Reason,
		CreatedBy:         act.CreatedBy,
		CreatedAt:         util.FormatTimestamp(act.CreatedAt),
		ResolvedReportIDs: act.ResolvedReportIDs,
	}
	if act.Reversal != nil {
		out.Reversal = &ReversalView{
			Reason:    act.Reversal.Reason,
			CreatedBy: act.Reversal.CreatedBy,
			CreatedAt: util.FormatTimestamp(act.Reversal.CreatedAt),
		}
	}
	return out
}

type ReportView struct {
	ID                  uint64       `json:"id"`
	ReasonType          string       `json:"reasonType"`
	Reason              *string      `json:"reason,omitempty"`
	Subject             *subject.Ref `json:"subject"`
	ReportedBy          string       `json:"reportedBy"`
	CreatedAt           string       `json:"createdAt"`
	ResolvedByActionIDs []uint64     `json:"resolvedByActionIds"`
}

func NewReportView(rep *moderation.Report) *ReportView {
	return &ReportView{
		ID:                  rep.ID,
		ReasonType:          string(rep.ReasonType),
		Reason:              rep.Reason,
		Subject:             subject.ToRef(rep.Subject),
		ReportedBy:          rep.ReportedBy,
		CreatedAt:           util.FormatTimestamp(rep.CreatedAt),
		ResolvedByActionIDs: rep.ResolvedByActionIDs,
	}
}

type ActionsOutput struct {
	Cursor  *string       `json:"cursor,omitempty"`
	Actions []*ActionView `json:"actions"`
}

type ReportsOutput struct {
	Cursor  *string       `json:"cursor,omitempty"`
	Reports []*ReportView `json:"reports"`
}

type TakeActionInput struct {
	Action         string       `json:"action"`
	Subject        *subject.Ref `json:"subject"`
	Reason         string       `json:"reason"`
	CreatedBy      string       `json:"createdBy"`
	IdempotencyKey string       `json:"idempotencyKey,omitempty"`
}

type ReverseActionInput struct {
	ID        uint64 `json:"id"`
	Reason    string `json:"reason"`
	CreatedBy string `json:"createdBy"`
}

type ResolveReportsInput struct {
	ActionID  uint64   `json:"actionId"`
	ReportIDs []uint64 `json:"reportIds"`
	CreatedBy string   `json:"createdBy"`
}

type CreateReportInput struct {
	ReasonType     string       `json:"reasonType"`
	Reason         *string      `json:"reason,omitempty"`
	Subject        *subject.Ref `json:"subject"`
	ReportedBy     string       `json:"reportedBy"`
	IdempotencyKey string       `json:"idempotencyKey,omitempty"`
}

type IngestOutput struct {
	Uri string `json:"uri"`
}

func cursorPtr(c string) *string {
	if c == "" {
		return nil
	}
	return &c
}
