package moderation

import (
	"context"
	"sync"
	"testing"

	"github.com/bluesky-social/bailiff/internal/testutil"
	"github.com/bluesky-social/bailiff/models"
	"github.com/bluesky-social/bailiff/notifs"
	"github.com/bluesky-social/bailiff/resolver"
	"github.com/bluesky-social/bailiff/subject"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const operator = "did:plc:operator"

type fixture struct {
	db     *gorm.DB
	engine *Engine
	sink   *notifs.MemSink
	outbox *notifs.Dispatcher
}

func testEngine(t *testing.T) *fixture {
	t.Helper()
	db := testutil.TestDB(t)
	sink := notifs.NewMemSink()
	outbox, err := notifs.NewDispatcher(db, sink, notifs.DispatcherConfig{})
	require.NoError(t, err)
	engine, err := NewEngine(db, Config{
		Resolver: resolver.NewIndexResolver(db),
		Outbox:   outbox,
	})
	require.NoError(t, err)
	return &fixture{db: db, engine: engine, sink: sink, outbox: outbox}
}

// seedPost creates an account (if needed) and one post in the local index.
func (f *fixture) seedPost(t *testing.T, did string) subject.Record {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&models.Account{}).Where("did = ?", did).Count(&n).Error)
	if n == 0 {
		testutil.SeedAccount(t, f.db, did)
	}
	rec := testutil.SeedRecord(t, f.db, did, "app.bsky.feed.post")
	return subject.Record{Uri: rec.Uri, Cid: rec.Cid}
}

func TestTakeAction(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := testEngine(t)

	alice := testutil.RandomDID()
	post := f.seedPost(t, alice)

	act, err := f.engine.TakeAction(ctx, TakeActionInput{
		Action:    "flag",
		Subject:   subject.Repo{Did: alice},
		Reason:    "looks off",
		CreatedBy: operator,
	})
	assert.NoError(err)
	assert.NotZero(act.ID)
	assert.Equal(ActionFlag, act.Kind)
	assert.Equal(subject.Repo{Did: alice}, act.Subject)
	assert.True(act.Live())
	assert.Empty(act.ResolvedReportIDs)
	assert.False(act.CreatedAt.IsZero())

	// unpinned record subjects get pinned to the current version
	td, err := f.engine.TakeAction(ctx, TakeActionInput{
		Action:    string(ActionTakedown),
		Subject:   subject.Record{Uri: post.Uri},
		Reason:    "spam",
		CreatedBy: operator,
	})
	assert.NoError(err)
	assert.Equal(post, td.Subject)
	assert.Greater(td.ID, act.ID)

	// only the record takedown retracts notifications
	n, err := f.outbox.Flush(ctx)
	assert.NoError(err)
	assert.Equal(1, n)
	assert.Equal([]notifs.Message{notifs.NewDeleteNotifications(post.Uri)}, f.sink.Messages())
}

func TestTakeActionRejects(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := testEngine(t)

	alice := testutil.RandomDID()
	post := f.seedPost(t, alice)

	_, err := f.engine.TakeAction(ctx, TakeActionInput{Action: "suspend", Subject: subject.Repo{Did: alice}, CreatedBy: operator})
	assert.ErrorIs(err, ErrInvalidInput)

	_, err = f.engine.TakeAction(ctx, TakeActionInput{Action: "flag", Subject: subject.Repo{Did: alice}, CreatedBy: "operator"})
	assert.ErrorIs(err, ErrInvalidInput)

	_, err = f.engine.TakeAction(ctx, TakeActionInput{Action: "flag", CreatedBy: operator})
	assert.ErrorIs(err, ErrInvalidInput)

	_, err = f.engine.TakeAction(ctx, TakeActionInput{Action: "flag", Subject: subject.Repo{Did: testutil.RandomDID()}, CreatedBy: operator})
	assert.ErrorIs(err, ErrNotFound)

	// stale content hash
	_, err = f.engine.TakeAction(ctx, TakeActionInput{Action: "flag", Subject: subject.Record{Uri: post.Uri, Cid: testutil.RandomCID()}, CreatedBy: operator})
	assert.ErrorIs(err, ErrNotFound)

	var count int64
	assert.NoError(f.db.Model(&models.ModerationAction{}).Count(&count).Error)
	assert.Equal(int64(0), count)
}

func TestTakedownConflict(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := testEngine(t)

	alice := testutil.RandomDID()
	post := f.seedPost(t, alice)

	for _, subj := range []subject.Subject{subject.Repo{Did: alice}, post} {
		first, err := f.engine.TakeAction(ctx, TakeActionInput{Action: "takedown", Subject: subj, CreatedBy: operator})
		require.NoError(t, err)

		_, err = f.engine.TakeAction(ctx, TakeActionInput{Action: "takedown", Subject: subj, CreatedBy: operator})
		assert.ErrorIs(err, ErrConflictingAction)

		// other kinds are not limited
		_, err = f.engine.TakeAction(ctx, TakeActionInput{Action: "flag", Subject: subj, CreatedBy: operator})
		assert.NoError(err)

		// after reversal the subject can be taken down again
		_, err = f.engine.ReverseAction(ctx, ReverseActionInput{ID: first.ID, CreatedBy: operator, Reason: "mistake"})
		require.NoError(t, err)
		_, err = f.engine.TakeAction(ctx, TakeActionInput{Action: "takedown", Subject: subj, CreatedBy: operator})
		assert.NoError(err)
	}
}

func TestConcurrentTakedown(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := testEngine(t)

	alice := testutil.RandomDID()
	post := f.seedPost(t, alice)

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.TakeAction(ctx, TakeActionInput{Action: "takedown", Subject: post, CreatedBy: operator})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(err, ErrConflictingAction)
	}
	assert.Equal(1, ok)

	var live int64
	assert.NoError(f.db.Model(&models.ModerationAction{}).Where("action = ? AND reversed_at IS NULL", string(ActionTakedown)).Count(&live).Error)
	assert.Equal(int64(1), live)
}

func TestTakeActionIdempotencyKey(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := testEngine(t)

	alice := testutil.RandomDID()
	f.seedPost(t, alice)

	in := TakeActionInput{Action: "takedown", Subject: subject.Repo{Did: alice}, CreatedBy: operator, IdempotencyKey: "retry-1"}
	first, err := f.engine.TakeAction(ctx, in)
	require.NoError(t, err)
	again, err := f.engine.TakeAction(ctx, in)
	assert.NoError(err)
	assert.Equal(first.ID, again.ID)

	page, err := f.engine.ListActions(ctx, ListActionsParams{})
	assert.NoError(err)
	assert.Len(page.Actions, 1)
}

func TestTakeActionIdempotencyKeyReusedForOtherAction(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := testEngine(t)

	alice := testutil.RandomDID()
	bob := testutil.RandomDID()
	f.seedPost(t, alice)
	bobPost := f.seedPost(t, bob)

	first, err := f.engine.TakeAction(ctx, TakeActionInput{Action: "flag", Subject: subject.Repo{Did: alice}, CreatedBy: operator, IdempotencyKey: "k"})
	require.NoError(t, err)

	_, err = f.engine.TakeAction(ctx, TakeActionInput{Action: "takedown", Subject: bobPost, CreatedBy: operator, IdempotencyKey: "k"})
	assert.ErrorIs(err, ErrInvalidInput)
	_, err = f.engine.TakeAction(ctx, TakeActionInput{Action: "takedown", Subject: subject.Repo{Did: alice}, CreatedBy: operator, IdempotencyKey: "k"})
	assert.ErrorIs(err, ErrInvalidInput)

	page, err := f.engine.ListActions(ctx, ListActionsParams{})
	assert.NoError(err)
	require.Len(t, page.Actions, 1)
	assert.Equal(first.ID, page.Actions[0].ID)

	n, err := f.outbox.Flush(ctx)
	assert.NoError(err)
	assert.Equal(0, n)
	assert.Empty(f.sink.Messages())

	// a record retried without its CID still matches the pinned action
	post, err := f.engine.TakeAction(ctx, TakeActionInput{Action: "flag", Subject: bobPost, CreatedBy: operator, IdempotencyKey: "k2"})
	require.NoError(t, err)
	again, err := f.engine.TakeAction(ctx, TakeActionInput{Action: "flag", Subject: subject.Record{Uri: bobPost.Uri}, CreatedBy: operator, IdempotencyKey: "k2"})
	assert.NoError(err)
	assert.Equal(post.ID, again.ID)
}

func TestReverseAction(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := testEngine(t)

	alice := testutil.RandomDID()
	f.seedPost(t, alice)

	act, err := f.engine.TakeAction(ctx, TakeActionInput{Action: "acknowledge", Subject: subject.Repo{Did: alice}, CreatedBy: operator})
	require.NoError(t, err)

	rev, err := f.engine.ReverseAction(ctx, ReverseActionInput{ID: act.ID, CreatedBy: "did:plc:first", Reason: "wrong account"})
	assert.NoError(err)
	assert.False(rev.Live())
	assert.Equal("did:plc:first", rev.Reversal.CreatedBy)
	assert.Equal("wrong account", rev.Reversal.Reason)

	_, err = f.engine.ReverseAction(ctx, ReverseActionInput{ID: act.ID, CreatedBy: "did:plc:second", Reason: "again"})
	assert.ErrorIs(err, ErrAlreadyReversed)

	// the first reversal is untouched
	got, err := f.engine.GetAction(ctx, act.ID)
	assert.NoError(err)
	assert.Equal("did:plc:first", got.Reversal.CreatedBy)
	assert.Equal("wrong account", got.Reversal.Reason)
	assert.Equal(rev.Reversal.CreatedAt.Unix(), got.Reversal.CreatedAt.Unix())

	_, err = f.engine.ReverseAction(ctx, ReverseActionInput{ID: act.ID + 100, CreatedBy: operator})
	assert.ErrorIs(err, ErrNotFound)

	_, err = f.engine.GetAction(ctx, act.ID+100)
	assert.ErrorIs(err, ErrNotFound)
}

func TestParseKinds(t *testing.T) {
	assert := assert.New(t)

	for raw, want := range map[string]ActionKind{
		"flag":                             ActionFlag,
		"acknowledge":                      ActionAcknowledge,
		"com.atproto.admin.defs#takedown":  ActionTakedown,
		"com.atproto.admin.defs#escalate":  "",
		"":                                 "",
		"com.atproto.moderation.defs#flag": "",
	} {
		out, err := ParseActionKind(raw)
		if want == "" {
			assert.ErrorIs(err, ErrInvalidInput, raw)
			continue
		}
		assert.NoError(err, raw)
		assert.Equal(want, out)
	}

	for raw, want := range map[string]ReasonType{
		"spam":       ReasonSpam,
		"reasonRude": ReasonRude,
		"com.atproto.moderation.defs#reasonOther": ReasonOther,
		"violation": ReasonViolation,
		"boring":    "",
		"":          "",
	} {
		out, err := ParseReasonType(raw)
		if want == "" {
			assert.ErrorIs(err, ErrInvalidInput, raw)
			continue
		}
		assert.NoError(err, raw)
		assert.Equal(want, out)
	}
}
