package moderation

import (
	"fmt"
	"time"

	"github.com/bluesky-social/bailiff/models"
	"github.com/bluesky-social/bailiff/subject"
)

// Reversal records who overturned an action and when.
type Reversal struct {
	CreatedAt time.Time
	CreatedBy string
	Reason    string
}

// Action is the view of a moderation action, with its reversal state and the
// reports it was linked to.
type Action struct {
	ID                uint64
	Kind              ActionKind
	Subject           subject.Subject
	Reason            string
	CreatedAt         time.Time
	CreatedBy         string
	Reversal          *Reversal
	ResolvedReportIDs []uint64
}

func (a *Action) Live() bool {
	return a.Reversal == nil
}

type Report struct {
	ID         uint64
	ReasonType ReasonType
	Reason     *string
	Subject    subject.Subject
	ReportedBy string
	CreatedAt  time.Time
	// ResolvedByActionIDs lists live actions linked to this report.
	ResolvedByActionIDs []uint64
}

func (r *Report) Resolved() bool {
	return len(r.ResolvedByActionIDs) > 0
}

func actionFromRow(row *models.ModerationAction, reportIDs []uint64) (*Action, error) {
	subj, err := subject.FromColumns(row.SubjectType, row.SubjectDid, row.SubjectUri, row.SubjectCid)
	if err != nil {
		return nil, fmt.Errorf("action %d: %w", row.ID, err)
	}

	var reversal *Reversal
	if row.ReversedAt != nil {
		reversal = &Reversal{CreatedAt: *row.ReversedAt}
		if row.ReversedByDid != nil {
			reversal.CreatedBy = *row.ReversedByDid
		}
		if row.ReversedReason != nil {
			reversal.Reason = *row.ReversedReason
		}
	}

	if reportIDs == nil {
		reportIDs = []uint64{}
	}
	return &Action{
		ID:                row.ID,
		Kind:              ActionKind(row.Action),
		Subject:           subj,
		Reason:            row.Reason,
		CreatedAt:         row.CreatedAt,
		CreatedBy:         row.CreatedByDid,
		Reversal:          reversal,
		ResolvedReportIDs: reportIDs,
	}, nil
}

func reportFromRow(row *models.ModerationReport, actionIDs []uint64) (*Report, error) {
	subj, err := subject.FromColumns(row.SubjectType, row.SubjectDid, row.SubjectUri, row.SubjectCid)
	if err != nil {
		return nil, fmt.Errorf("report %d: %w", row.ID, err)
	}
	if actionIDs == nil {
		actionIDs = []uint64{}
	}
	return &Report{
		ID:                  row.ID,
		ReasonType:          ReasonType(row.ReasonType),
		Reason:              row.Reason,
		Subject:             subj,
		ReportedBy:          row.ReportedByDid,
		CreatedAt:           row.CreatedAt,
		ResolvedByActionIDs: actionIDs,
	}, nil
}
