// Package okta adapts the Okta API to the shared provider.Adapter surface.
// Authentication is a client-assertion + DPoP-proofed client-credentials
// grant (RFC 9449); browsing is organized around OIDC apps: users and
// groups are discovered via each active app's assignment lists rather than
// a tenant-wide listing.
package okta

import (
	"crypto/rsa"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/firezone/idpsync/internal/httpclient"
	"github.com/firezone/idpsync/internal/model"
	"github.com/firezone/idpsync/internal/provider"
	"github.com/firezone/idpsync/internal/signer"
)

const (
	requiredScopes = "okta.users.read okta.groups.read okta.apps.read"
	usersPageSize  = 200
)

// Adapter implements provider.Adapter for Okta.
type Adapter struct {
	cfg     model.OktaConfig
	http    *httpclient.Client
	key     *rsa.PrivateKey
	now     func() time.Time
	baseURL string // request base; defaults to Issuer(), overridable in tests

	mu    sync.Mutex
	token string
	nonce string
}

// New builds an Okta provider adapter from directory configuration.
func New(cfg model.OktaConfig, httpClient *httpclient.Client) (*Adapter, error) {
	key, err := signer.ParseRSAKey(cfg.PrivateJWKPEM)
	if err != nil {
		return nil, err
	}
	a := &Adapter{cfg: cfg, http: httpClient, key: key, now: time.Now}
	a.baseURL = a.Issuer()
	return a, nil
}

func (a *Adapter) Issuer() string { return "https://" + a.cfg.Domain }

func (a *Adapter) tokenEndpoint() string { return a.baseURL + "/oauth2/v1/token" }

// AccessToken performs the client-assertion + DPoP client-credentials
// handshake, reissuing the POST exactly once if Okta demands a DPoP nonce
// with the server-issued nonce embedded in the reissue.
func (a *Adapter) AccessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" {
		return a.token, nil
	}

	token, err := a.fetchToken(ctx, a.nonce)
	if err != nil {
		var nr *nonceRequired
		if asNonceRequired(err, &nr) {
			a.nonce = nr.nonce
			token, err = a.fetchToken(ctx, a.nonce)
			if err != nil {
				return "", err
			}
		} else {
			return "", err
		}
	}
	a.token = token
	return a.token, nil
}

type nonceRequired struct{ nonce string }

func (e *nonceRequired) Error() string { return "okta: DPoP nonce required" }

func asNonceRequired(err error, target **nonceRequired) bool {
	nr, ok := err.(*nonceRequired)
	if ok {
		*target = nr
	}
	return ok
}

func (a *Adapter) fetchToken(ctx context.Context, nonce string) (string, error) {
	now := a.now()
	assertion, err := signer.OktaClientAssertion(a.key, a.cfg.KeyID, a.cfg.ClientID, a.tokenEndpoint(), now)
	if err != nil {
		return "", fmt.Errorf("build client assertion: %w", err)
	}
	proof, err := signer.DPoPProof(a.key, a.cfg.KeyID, signer.DPoPProofOptions{
		Method: http.MethodPost,
		URL:    a.tokenEndpoint(),
		Nonce:  nonce,
		Now:    now,
	})
	if err != nil {
		return "", fmt.Errorf("build dpop proof: %w", err)
	}

	form := url.Values{
		"grant_type":            {"client_credentials"},
		"scope":                 {requiredScopes},
		"client_assertion_type": {"urn:ietf:params:oauth:client-assertion-type:jwt-bearer"},
		"client_assertion":      {assertion},
	}
	resp, err := a.http.Post(ctx, a.tokenEndpoint(), form, func(req *http.Request) error {
		req.Header.Set("DPoP", proof)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("post token request: %w", err)
	}

	if resp.StatusCode == http.StatusBadRequest {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(resp.Body, &body)
		if body.Error == "use_dpop_nonce" {
			if serverNonce := resp.Header.Get("DPoP-Nonce"); serverNonce != "" {
				return "", &nonceRequired{nonce: serverNonce}
			}
		}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, resp.Body)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	return body.AccessToken, nil
}

// dpopDecorate builds a Decorator carrying both the DPoP-bound
// Authorization header and a fresh proof with "ath" bound to the current
// access token. A new proof is generated on every invocation, satisfying
// the per-attempt freshness requirement.
func (a *Adapter) dpopDecorate(ctx context.Context, method, reqURL string) (httpclient.Decorator, error) {
	token, err := a.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	return func(req *http.Request) error {
		proof, err := signer.DPoPProof(a.key, a.cfg.KeyID, signer.DPoPProofOptions{
			Method:      method,
			URL:         reqURL,
			AccessToken: token,
			Nonce:       a.nonce,
			Now:         a.now(),
		})
		if err != nil {
			return fmt.Errorf("build dpop proof: %w", err)
		}
		req.Header.Set("Authorization", "DPoP "+token)
		req.Header.Set("DPoP", proof)
		return nil
	}, nil
}

type oktaApp struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Status string `json:"status"`
}

// listApps returns every ACTIVE app in the org; Okta's browsing model is
// organized around these.
func (a *Adapter) listApps(ctx context.Context) ([]oktaApp, error) {
	reqURL := a.baseURL + "/api/v1/apps"
	decorate, err := a.dpopDecorate(ctx, http.MethodGet, reqURL)
	if err != nil {
		return nil, err
	}

	var apps []oktaApp
	state := httpclient.PageState{URL: reqURL, Query: url.Values{"limit": {"200"}, "filter": {`status eq "ACTIVE"`}}}
	fetch := func(ctx context.Context, s httpclient.PageState) (*httpclient.Response, error) {
		return a.http.Get(ctx, s.URL, s.Query, decorate)
	}
	cursor := linkCursor

	for resp, err := range httpclient.Stream(ctx, state, fetch, cursor) {
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("apps list returned %d: %s", resp.StatusCode, resp.Body)
		}
		var page []oktaApp
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			return nil, fmt.Errorf("decode apps page: %w", err)
		}
		for _, app := range page {
			if app.Status == "ACTIVE" {
				apps = append(apps, app)
			}
		}
	}
	return apps, nil
}

type oktaAppUser struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Embedded struct {
		User struct {
			ID      string `json:"id"`
			Status  string `json:"status"`
			Profile struct {
				FirstName string `json:"firstName"`
				LastName  string `json:"lastName"`
				Login     string `json:"login"`
				Email     string `json:"email"`
			} `json:"profile"`
		} `json:"user"`
	} `json:"_embedded"`
}

// StreamUsers lazily walks every ACTIVE app's assigned users, deduplicating
// users assigned to more than one app.
func (a *Adapter) StreamUsers(ctx context.Context) iter.Seq2[provider.UserRecord, error] {
	return func(yield func(provider.UserRecord, error) bool) {
		apps, err := a.listApps(ctx)
		if err != nil {
			yield(provider.UserRecord{}, err)
			return
		}

		seen := map[string]bool{}
		for _, app := range apps {
			reqURL := fmt.Sprintf("%s/api/v1/apps/%s/users", a.baseURL, url.PathEscape(app.ID))
			dpop, err := a.dpopDecorate(ctx, http.MethodGet, reqURL)
			if err != nil {
				yield(provider.UserRecord{}, err)
				return
			}
			// The trimmed projection drops credentials and credential links
			// from the response; the fields parameter below further limits
			// each user to id, status, firstName and lastName.
			decorate := func(req *http.Request) error {
				if err := dpop(req); err != nil {
					return err
				}
				req.Header.Set("Content-Type", "application/json; okta-response=omitCredentials,omitCredentialsLinks")
				return nil
			}

			initial := httpclient.PageState{URL: reqURL, Query: url.Values{
				"limit":  {itoa(usersPageSize)},
				"expand": {"user"},
				"fields": {"id,status,profile:(firstName,lastName)"},
			}}
			fetch := func(ctx context.Context, s httpclient.PageState) (*httpclient.Response, error) {
				return a.http.Get(ctx, s.URL, s.Query, decorate)
			}

			stop := false
			for resp, err := range httpclient.Stream(ctx, initial, fetch, linkCursor) {
				if err != nil {
					yield(provider.UserRecord{}, err)
					return
				}
				if resp.StatusCode != http.StatusOK {
					yield(provider.UserRecord{}, fmt.Errorf("app users list returned %d: %s", resp.StatusCode, resp.Body))
					return
				}
				var page []oktaAppUser
				if err := json.Unmarshal(resp.Body, &page); err != nil {
					yield(provider.UserRecord{}, fmt.Errorf("decode app users page: %w", err))
					return
				}
				for _, au := range page {
					u := au.Embedded.User
					if u.Status != "ACTIVE" {
						continue
					}
					if u.ID == "" || u.Profile.Email == "" {
						if !yield(provider.UserRecord{}, &provider.MissingFieldError{Record: "user", IdPID: u.ID, Field: "id/profile.email"}) {
							stop = true
							break
						}
						continue
					}
					if seen[u.ID] {
						continue
					}
					seen[u.ID] = true
					rec := provider.UserRecord{
						IdPID:             u.ID,
						Email:             strings.ToLower(strings.TrimSpace(u.Profile.Email)),
						Name:              strings.TrimSpace(u.Profile.FirstName + " " + u.Profile.LastName),
						GivenName:         u.Profile.FirstName,
						FamilyName:        u.Profile.LastName,
						PreferredUsername: u.Profile.Login,
					}
					if !yield(rec, nil) {
						stop = true
						break
					}
				}
				if stop {
					return
				}
			}
		}
	}
}

type oktaAppGroup struct {
	ID       string `json:"id"`
	Embedded struct {
		Group struct {
			ID      string `json:"id"`
			Profile struct {
				Name string `json:"name"`
			} `json:"profile"`
		} `json:"group"`
	} `json:"_embedded"`
}

// StreamGroups lazily walks every ACTIVE app's assigned groups,
// deduplicating groups assigned to more than one app.
func (a *Adapter) StreamGroups(ctx context.Context) iter.Seq2[provider.GroupRecord, error] {
	return func(yield func(provider.GroupRecord, error) bool) {
		apps, err := a.listApps(ctx)
		if err != nil {
			yield(provider.GroupRecord{}, err)
			return
		}

		seen := map[string]bool{}
		for _, app := range apps {
			reqURL := fmt.Sprintf("%s/api/v1/apps/%s/groups", a.baseURL, url.PathEscape(app.ID))
			decorate, err := a.dpopDecorate(ctx, http.MethodGet, reqURL)
			if err != nil {
				yield(provider.GroupRecord{}, err)
				return
			}

			initial := httpclient.PageState{URL: reqURL, Query: url.Values{"limit": {itoa(usersPageSize)}, "expand": {"group"}}}
			fetch := func(ctx context.Context, s httpclient.PageState) (*httpclient.Response, error) {
				return a.http.Get(ctx, s.URL, s.Query, decorate)
			}

			stop := false
			for resp, err := range httpclient.Stream(ctx, initial, fetch, linkCursor) {
				if err != nil {
					yield(provider.GroupRecord{}, err)
					return
				}
				if resp.StatusCode != http.StatusOK {
					yield(provider.GroupRecord{}, fmt.Errorf("app groups list returned %d: %s", resp.StatusCode, resp.Body))
					return
				}
				var page []oktaAppGroup
				if err := json.Unmarshal(resp.Body, &page); err != nil {
					yield(provider.GroupRecord{}, fmt.Errorf("decode app groups page: %w", err))
					return
				}
				for _, ag := range page {
					g := ag.Embedded.Group
					if g.ID == "" {
						continue
					}
					if seen[g.ID] {
						continue
					}
					seen[g.ID] = true
					if !yield(provider.GroupRecord{IdPID: g.ID, Name: g.Profile.Name}, nil) {
						stop = true
						break
					}
				}
				if stop {
					return
				}
			}
		}
	}
}

// StreamOrgUnits returns an empty sequence; Okta has no org-unit concept.
func (a *Adapter) StreamOrgUnits(ctx context.Context) iter.Seq2[provider.GroupRecord, error] {
	return func(yield func(provider.GroupRecord, error) bool) {}
}

type oktaGroupMember struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// StreamGroupMembers lazily walks one group's direct membership list,
// requiring status == "ACTIVE".
func (a *Adapter) StreamGroupMembers(ctx context.Context, groupIdPID string) iter.Seq2[provider.MemberID, error] {
	return func(yield func(provider.MemberID, error) bool) {
		reqURL := fmt.Sprintf("%s/api/v1/groups/%s/users", a.baseURL, url.PathEscape(groupIdPID))
		decorate, err := a.dpopDecorate(ctx, http.MethodGet, reqURL)
		if err != nil {
			yield("", err)
			return
		}

		initial := httpclient.PageState{URL: reqURL, Query: url.Values{"limit": {itoa(usersPageSize)}}}
		fetch := func(ctx context.Context, s httpclient.PageState) (*httpclient.Response, error) {
			return a.http.Get(ctx, s.URL, s.Query, decorate)
		}

		for resp, err := range httpclient.Stream(ctx, initial, fetch, linkCursor) {
			if err != nil {
				yield("", err)
				return
			}
			if resp.StatusCode == http.StatusNotFound {
				return
			}
			if resp.StatusCode != http.StatusOK {
				yield("", fmt.Errorf("group members list returned %d: %s", resp.StatusCode, resp.Body))
				return
			}
			var page []oktaGroupMember
			if err := json.Unmarshal(resp.Body, &page); err != nil {
				yield("", fmt.Errorf("decode group members page: %w", err))
				return
			}
			for _, m := range page {
				if m.Status != "ACTIVE" {
					continue
				}
				if !yield(provider.MemberID(m.ID), nil) {
					return
				}
			}
		}
	}
}

// Verify probes a minimal request against each required scope.
func (a *Adapter) Verify(ctx context.Context) error {
	for _, path := range []string{"/api/v1/users", "/api/v1/groups", "/api/v1/apps"} {
		reqURL := a.baseURL + path
		decorate, err := a.dpopDecorate(ctx, http.MethodGet, reqURL)
		if err != nil {
			return err
		}
		resp, err := a.http.Get(ctx, reqURL, url.Values{"limit": {"1"}}, decorate)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusForbidden {
			return &provider.ScopeError{Provider: "okta", Detail: string(resp.Body)}
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("verify failed: status %d: %s", resp.StatusCode, resp.Body)
		}
	}
	return nil
}

// linkCursor follows the RFC 5988 Link header's rel="next" entry, which
// already carries Okta's "after" cursor query parameter.
func linkCursor(resp *httpclient.Response, state httpclient.PageState) (httpclient.PageState, bool, error) {
	next := httpclient.ParseLinkNext(resp.Header.Get("Link"))
	if next == "" {
		return httpclient.PageState{}, false, nil
	}
	return httpclient.PageState{URL: next}, true, nil
}

func itoa(n int) string { return fmt.Sprintf("%d", n) }
