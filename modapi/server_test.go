package modapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bluesky-social/bailiff/activity"
	"github.com/bluesky-social/bailiff/internal/testutil"
	"github.com/bluesky-social/bailiff/moderation"
	"github.com/bluesky-social/bailiff/notifs"
	"github.com/bluesky-social/bailiff/resolver"
	"github.com/bluesky-social/bailiff/subject"
	"github.com/bluesky-social/bailiff/util"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	adminPassword = "hunter2"
	operator      = "did:plc:operator"
)

type testServer struct {
	db  *gorm.DB
	srv *Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db := testutil.TestDB(t)
	outbox, err := notifs.NewDispatcher(db, notifs.NewMemSink(), notifs.DispatcherConfig{})
	require.NoError(t, err)
	engine, err := moderation.NewEngine(db, moderation.Config{
		Resolver: resolver.NewIndexResolver(db),
		Outbox:   outbox,
	})
	require.NoError(t, err)
	handler, err := activity.NewHandler(db, outbox, nil)
	require.NoError(t, err)
	srv, err := NewServer(Config{
		Engine:        engine,
		Activity:      handler,
		AdminPassword: adminPassword,
	})
	require.NoError(t, err)
	return &testServer{db: db, srv: srv}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if admin {
		req.SetBasicAuth("admin", adminPassword)
	}
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) *T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return &out
}

func (ts *testServer) seedPost(t *testing.T, did string) *subject.Ref {
	t.Helper()
	testutil.SeedAccount(t, ts.db, did)
	rec := testutil.SeedRecord(t, ts.db, did, "app.bsky.feed.post")
	return &subject.Ref{LexiconTypeID: string(subject.TypeRecord), Uri: rec.Uri}
}

func TestAdminAuth(t *testing.T) {
	assert := assert.New(t)
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/xrpc/com.atproto.admin.getModerationActions", nil, false)
	assert.Equal(http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/xrpc/com.atproto.admin.getModerationActions", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	assert.Equal(http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/ingest/op", activity.Op{}, false)
	assert.Equal(http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/xrpc/com.atproto.admin.getModerationActions", nil, true)
	assert.Equal(http.StatusOK, rec.Code)
	out := decode[ActionsOutput](t, rec)
	assert.Empty(out.Actions)
	assert.Nil(out.Cursor)

	rec = ts.do(t, http.MethodGet, "/_health", nil, false)
	assert.Equal(http.StatusOK, rec.Code)
	assert.Equal("ok", decode[HealthStatus](t, rec).Status)
}

func TestActionLifecycle(t *testing.T) {
	assert := assert.New(t)
	ts := newTestServer(t)

	alice := testutil.RandomDID()
	post := ts.seedPost(t, alice)

	take := TakeActionInput{
		Action:    "takedown",
		Subject:   post,
		Reason:    "spam ring",
		CreatedBy: operator,
	}
	rec := ts.do(t, http.MethodPost, "/xrpc/com.atproto.admin.takeModerationAction", take, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	act := decode[ActionView](t, rec)
	assert.Equal(string(moderation.ActionTakedown), act.Action)
	assert.Equal(post.Uri, act.Subject.Uri)
	assert.NotEmpty(act.Subject.Cid)
	assert.Equal([]uint64{}, act.ResolvedReportIDs)
	assert.Nil(act.Reversal)
	_, err := util.ParseTimestamp(act.CreatedAt)
	assert.NoError(err)

	rec = ts.do(t, http.MethodPost, "/xrpc/com.atproto.admin.takeModerationAction", take, true)
	assert.Equal(http.StatusConflict, rec.Code)
	assert.Equal("ConflictingAction", decode[XRPCError](t, rec).ErrStr)

	reverse := ReverseActionInput{ID: act.ID, Reason: "mistake", CreatedBy: operator}
	rec = ts.do(t, http.MethodPost, "/xrpc/com.atproto.admin.reverseModerationAction", reverse, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reversed := decode[ActionView](t, rec)
	if assert.NotNil(reversed.Reversal) {
		assert.Equal("mistake", reversed.Reversal.Reason)
		assert.Equal(operator, reversed.Reversal.CreatedBy)
	}

	rec = ts.do(t, http.MethodPost, "/xrpc/com.atproto.admin.reverseModerationAction", reverse, true)
	assert.Equal(http.StatusBadRequest, rec.Code)
	assert.Equal("AlreadyReversed", decode[XRPCError](t, rec).ErrStr)

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/xrpc/com.atproto.admin.getModerationAction?id=%d", act.ID), nil, true)
	assert.Equal(http.StatusOK, rec.Code)
	assert.NotNil(decode[ActionView](t, rec).Reversal)

	// a fresh takedown is allowed once the first is reversed
	rec = ts.do(t, http.MethodPost, "/xrpc/com.atproto.admin.takeModerationAction", take, true)
	assert.Equal(http.StatusOK, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	alice := testutil.RandomDID()
	post := ts.seedPost(t, alice)
	missing := &subject.Ref{LexiconTypeID: string(subject.TypeRecord), Uri: fmt.Sprintf("at://%s/app.bsky.feed.post/%s", alice, testutil.RandomRkey())}

	table := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		errStr string
	}{
		{"unknown action", http.MethodGet, "/xrpc/com.atproto.admin.getModerationAction?id=999", nil, 404, "NotFound"},
		{"bad id", http.MethodGet, "/xrpc/com.atproto.admin.getModerationAction?id=abc", nil, 400, "InvalidRequest"},
		{"bad cursor", http.MethodGet, "/xrpc/com.atproto.admin.getModerationActions?before=zero", nil, 400, "InvalidRequest"},
		{"bad limit", http.MethodGet, "/xrpc/com.atproto.admin.getModerationActions?limit=many", nil, 400, "InvalidRequest"},
		{"bad subject filter", http.MethodGet, "/xrpc/com.atproto.admin.getModerationReports?subject=nobody", nil, 400, "InvalidRequest"},
		{"bad resolved filter", http.MethodGet, "/xrpc/com.atproto.admin.getModerationReports?resolved=maybe", nil, 400, "InvalidRequest"},
		{"unknown action kind", http.MethodPost, "/xrpc/com.atproto.admin.takeModerationAction",
			TakeActionInput{Action: "banish", Subject: post, Reason: "x", CreatedBy: operator}, 400, "InvalidRequest"},
		{"missing subject", http.MethodPost, "/xrpc/com.atproto.admin.takeModerationAction",
			TakeActionInput{Action: "flag", Reason: "x", CreatedBy: operator}, 400, "InvalidRequest"},
		{"subject does not exist", http.MethodPost, "/xrpc/com.atproto.admin.takeModerationAction",
			TakeActionInput{Action: "flag", Subject: missing, Reason: "x", CreatedBy: operator}, 404, "NotFound"},
		{"resolve nothing", http.MethodPost, "/xrpc/com.atproto.admin.resolveModerationReports",
			ResolveReportsInput{ActionID: 1, CreatedBy: operator}, 400, "InvalidRequest"},
		{"invalid op", http.MethodPost, "/ingest/op",
			activity.Op{Action: activity.OpCreate, Uri: "at://nobody/app.bsky.feed.post/1"}, 400, "InvalidRequest"},
	}

	for _, row := range table {
		t.Run(row.name, func(t *testing.T) {
			rec := ts.do(t, row.method, row.path, row.body, true)
			assert.Equal(t, row.status, rec.Code, rec.Body.String())
			assert.Equal(t, row.errStr, decode[XRPCError](t, rec).ErrStr)
		})
	}
}

func TestReportsOverHTTP(t *testing.T) {
	assert := assert.New(t)
	ts := newTestServer(t)

	alice := testutil.RandomDID()
	bob := testutil.RandomDID()
	post := ts.seedPost(t, alice)

	// reporting is open to anyone
	reason := "this is spam"
	rec := ts.do(t, http.MethodPost, "/xrpc/com.atproto.moderation.createReport", CreateReportInput{
		ReasonType: "spam",
		Reason:     &reason,
		Subject:    post,
		ReportedBy: bob,
	}, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rep := decode[ReportView](t, rec)
	assert.Equal(string(moderation.ReasonSpam), rep.ReasonType)
	assert.Equal(&reason, rep.Reason)
	assert.Empty(rep.ResolvedByActionIDs)

	rec = ts.do(t, http.MethodPost, "/xrpc/com.atproto.admin.takeModerationAction", TakeActionInput{
		Action:    "acknowledge",
		Subject:   &subject.Ref{LexiconTypeID: string(subject.TypeRepo), Did: alice},
		Reason:    "looked at it",
		CreatedBy: operator,
	}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	act := decode[ActionView](t, rec)

	rec = ts.do(t, http.MethodPost, "/xrpc/com.atproto.admin.resolveModerationReports", ResolveReportsInput{
		ActionID:  act.ID,
		ReportIDs: []uint64{rep.ID},
		CreatedBy: operator,
	}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal([]uint64{rep.ID}, decode[ActionView](t, rec).ResolvedReportIDs)

	rec = ts.do(t, http.MethodGet, "/xrpc/com.atproto.admin.getModerationReports?resolved=true&subject="+alice, nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	reports := decode[ReportsOutput](t, rec)
	if assert.Len(reports.Reports, 1) {
		assert.Equal([]uint64{act.ID}, reports.Reports[0].ResolvedByActionIDs)
	}

	rec = ts.do(t, http.MethodGet, "/xrpc/com.atproto.admin.getModerationReports?resolved=false", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(decode[ReportsOutput](t, rec).Reports)

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/xrpc/com.atproto.admin.getModerationReport?id=%d", rep.ID), nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(post.Uri, decode[ReportView](t, rec).Subject.Uri)
}

func TestActionsPaginationOverHTTP(t *testing.T) {
	assert := assert.New(t)
	ts := newTestServer(t)

	alice := testutil.RandomDID()
	testutil.SeedAccount(t, ts.db, alice)
	for i := 0; i < 5; i++ {
		rec := testutil.SeedRecord(t, ts.db, alice, "app.bsky.feed.post")
		resp := ts.do(t, http.MethodPost, "/xrpc/com.atproto.admin.takeModerationAction", TakeActionInput{
			Action:    "flag",
			Subject:   &subject.Ref{Uri: rec.Uri},
			Reason:    "review",
			CreatedBy: operator,
		}, true)
		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	}

	var seen []uint64
	path := "/xrpc/com.atproto.admin.getModerationActions?limit=2&subject=" + alice
	for pages := 0; pages < 10; pages++ {
		rec := ts.do(t, http.MethodGet, path, nil, true)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		out := decode[ActionsOutput](t, rec)
		for _, a := range out.Actions {
			seen = append(seen, a.ID)
		}
		if out.Cursor == nil {
			break
		}
		path = "/xrpc/com.atproto.admin.getModerationActions?limit=2&subject=" + alice + "&before=" + *out.Cursor
	}
	assert.Equal([]uint64{5, 4, 3, 2, 1}, seen)
}

func TestIngestOp(t *testing.T) {
	assert := assert.New(t)
	ts := newTestServer(t)

	bob := testutil.RandomDID()
	uri := fmt.Sprintf("at://%s/%s/%s", bob, activity.CollectionFollow, testutil.RandomRkey())
	op := activity.Op{
		Action: activity.OpCreate,
		Uri:    uri,
		Cid:    testutil.RandomCID(),
		Record: json.RawMessage(fmt.Sprintf(`{"subject": %q, "createdAt": %q}`, testutil.RandomDID(), util.FormatTimestamp(time.Now()))),
	}
	rec := ts.do(t, http.MethodPost, "/ingest/op", op, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(uri, decode[IngestOutput](t, rec).Uri)

	// the indexed record can now be moderated
	rec = ts.do(t, http.MethodPost, "/xrpc/com.atproto.admin.takeModerationAction", TakeActionInput{
		Action:    "flag",
		Subject:   &subject.Ref{Uri: uri},
		Reason:    "check",
		CreatedBy: operator,
	}, true)
	assert.Equal(http.StatusOK, rec.Code, rec.Body.String())
}
