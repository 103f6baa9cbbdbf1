package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/bluesky-social/bailiff/subject"
	"github.com/bluesky-social/bailiff/util"

	"golang.org/x/time/rate"
)

// PDSResolver checks subjects against a PDS over XRPC.
type PDSResolver struct {
	Host    string
	Client  *http.Client
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

var _ Resolver = (*PDSResolver)(nil)

// NewPDSResolver uses the robust (retrying) HTTP client and caps outbound
// requests at rps per second.
func NewPDSResolver(host string, rps float64, logger *slog.Logger) *PDSResolver {
	if logger == nil {
		logger = slog.Default().With("system", "resolver")
	}
	return &PDSResolver{
		Host:    strings.TrimSuffix(host, "/"),
		Client:  util.RobustHTTPClient(logger),
		Limiter: rate.NewLimiter(rate.Limit(rps), 1),
		Logger:  logger,
	}
}

type xrpcError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type getRecordResp struct {
	Uri string `json:"uri"`
	Cid string `json:"cid"`
}

type describeRepoResp struct {
	Did    string `json:"did"`
	Handle string `json:"handle"`
}

func (pr *PDSResolver) ResolveSubject(ctx context.Context, s subject.Subject) (subject.Subject, error) {
	switch v := s.(type) {
	case subject.Repo:
		var out describeRepoResp
		if err := pr.get(ctx, "com.atproto.repo.describeRepo", url.Values{"repo": {v.Did}}, &out); err != nil {
			resolverLookups.WithLabelValues("pds", "repo", lookupResult(err)).Inc()
			return nil, fmt.Errorf("account %s: %w", v.Did, err)
		}
		resolverLookups.WithLabelValues("pds", "repo", "ok").Inc()
		return subject.Repo{Did: v.Did}, nil
	case subject.Record:
		did, collection, rkey, err := subject.SplitRecordURI(v.Uri)
		if err != nil {
			return nil, err
		}
		var out getRecordResp
		params := url.Values{"repo": {did}, "collection": {collection}, "rkey": {rkey}}
		if err := pr.get(ctx, "com.atproto.repo.getRecord", params, &out); err != nil {
			resolverLookups.WithLabelValues("pds", "record", lookupResult(err)).Inc()
			return nil, fmt.Errorf("record %s: %w", v.Uri, err)
		}
		if out.Cid == "" {
			return nil, fmt.Errorf("record %s: PDS returned no CID", v.Uri)
		}
		if v.Pinned() && out.Cid != v.Cid {
			resolverLookups.WithLabelValues("pds", "record", "stale").Inc()
			return nil, fmt.Errorf("record %s is at %s, not %s: %w", v.Uri, out.Cid, v.Cid, ErrNotFound)
		}
		resolverLookups.WithLabelValues("pds", "record", "ok").Inc()
		return subject.Record{Uri: v.Uri, Cid: out.Cid}, nil
	default:
		return nil, fmt.Errorf("unsupported subject type: %T", s)
	}
}

func (pr *PDSResolver) get(ctx context.Context, method string, params url.Values, out any) error {
	if pr.Limiter != nil {
		if err := pr.Limiter.Wait(ctx); err != nil {
			return err
		}
	}

	u := pr.Host + "/xrpc/" + method + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := pr.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading %s response: %w", method, err)
	}

	if resp.StatusCode != http.StatusOK {
		var xe xrpcError
		_ = json.Unmarshal(body, &xe)
		if resp.StatusCode == http.StatusNotFound || isNotFoundError(xe.Error) {
			return ErrNotFound
		}
		return fmt.Errorf("%s: unexpected status %d (%s)", method, resp.StatusCode, xe.Error)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	return nil
}

func isNotFoundError(name string) bool {
	switch name {
	case "RecordNotFound", "RepoNotFound", "RepoTakendown", "RepoDeactivated", "NotFound":
		return true
	}
	return false
}
