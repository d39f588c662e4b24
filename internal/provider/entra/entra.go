// Package entra adapts the Microsoft Graph API to the shared
// provider.Adapter surface, using Graph's @odata.nextLink pagination and
// $select field trimming.
package entra

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/firezone/idpsync/internal/httpclient"
	"github.com/firezone/idpsync/internal/model"
	"github.com/firezone/idpsync/internal/provider"
)

const graphBase = "https://graph.microsoft.com/v1.0"

var readOnlyScopes = []string{"https://graph.microsoft.com/.default"}

// Adapter implements provider.Adapter for Microsoft Entra ID.
type Adapter struct {
	cfg     model.EntraConfig
	http    *httpclient.Client
	baseURL string

	mu     sync.Mutex
	token  string
	source *clientcredentials.Config
}

// New builds an Entra provider adapter from directory configuration.
func New(cfg model.EntraConfig, httpClient *httpclient.Client) *Adapter {
	return &Adapter{
		cfg:     cfg,
		http:    httpClient,
		baseURL: graphBase,
		source: &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID),
			Scopes:       readOnlyScopes,
		},
	}
}

func (a *Adapter) Issuer() string {
	return fmt.Sprintf("https://login.microsoftonline.com/%s/v2.0", a.cfg.TenantID)
}

// AccessToken exchanges client credentials for a Graph bearer token using
// the standard OAuth2 client-credentials grant. The first token obtained is
// cached on the adapter and returned for the rest of its lifetime without
// an expiry check, so AccessToken is cheap to call per request.
func (a *Adapter) AccessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" {
		return a.token, nil
	}
	tok, err := a.source.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("entra client-credentials token: %w", err)
	}
	a.token = tok.AccessToken
	return a.token, nil
}

func (a *Adapter) bearerDecorate(ctx context.Context) (httpclient.Decorator, error) {
	token, err := a.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	return func(req *http.Request) error {
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}, nil
}

type graphUser struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
	GivenName         string `json:"givenName"`
	Surname           string `json:"surname"`
}

type graphUsersPage struct {
	Value    []graphUser `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

// StreamUsers lazily walks the tenant's user list.
func (a *Adapter) StreamUsers(ctx context.Context) iter.Seq2[provider.UserRecord, error] {
	return func(yield func(provider.UserRecord, error) bool) {
		decorate, err := a.bearerDecorate(ctx)
		if err != nil {
			yield(provider.UserRecord{}, err)
			return
		}

		initial := httpclient.PageState{
			URL: a.baseURL + "/users",
			Query: url.Values{
				"$select": {"id,displayName,mail,userPrincipalName,givenName,surname"},
				"$top":    {"100"},
			},
		}
		fetch := func(ctx context.Context, state httpclient.PageState) (*httpclient.Response, error) {
			return a.http.Get(ctx, state.URL, state.Query, decorate)
		}
		cursor := graphCursor[graphUsersPage](func(p graphUsersPage) string { return p.NextLink })

		for resp, err := range httpclient.Stream(ctx, initial, fetch, cursor) {
			if err != nil {
				yield(provider.UserRecord{}, err)
				return
			}
			if resp.StatusCode != 200 {
				yield(provider.UserRecord{}, fmt.Errorf("users list returned %d: %s", resp.StatusCode, resp.Body))
				return
			}
			var page graphUsersPage
			if err := json.Unmarshal(resp.Body, &page); err != nil {
				yield(provider.UserRecord{}, fmt.Errorf("decode users page: %w", err))
				return
			}
			for _, u := range page.Value {
				if u.ID == "" {
					if !yield(provider.UserRecord{}, &provider.MissingFieldError{Record: "user", IdPID: u.ID, Field: "id"}) {
						return
					}
					continue
				}
				email := u.Mail
				if email == "" {
					email = u.UserPrincipalName
				}
				rec := provider.UserRecord{
					IdPID:      u.ID,
					Email:      strings.ToLower(strings.TrimSpace(email)),
					Name:       u.DisplayName,
					GivenName:  u.GivenName,
					FamilyName: u.Surname,
				}
				if !yield(rec, nil) {
					return
				}
			}
		}
	}
}

type graphGroup struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type graphGroupsPage struct {
	Value    []graphGroup `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

// StreamGroups lazily walks the tenant's group list, honoring the
// directory's sync_all_groups toggle between "all groups" and "only groups
// the app is assigned to".
func (a *Adapter) StreamGroups(ctx context.Context) iter.Seq2[provider.GroupRecord, error] {
	path := a.baseURL + "/groups"
	query := url.Values{"$select": {"id,displayName"}, "$top": {"100"}}
	if !a.cfg.SyncAllGroups {
		path = a.baseURL + "/servicePrincipals/" + url.PathEscape(a.cfg.ClientID) + "/appRoleAssignedTo"
		query = url.Values{"$top": {"100"}}
	}

	return func(yield func(provider.GroupRecord, error) bool) {
		decorate, err := a.bearerDecorate(ctx)
		if err != nil {
			yield(provider.GroupRecord{}, err)
			return
		}

		initial := httpclient.PageState{URL: path, Query: query}
		fetch := func(ctx context.Context, state httpclient.PageState) (*httpclient.Response, error) {
			return a.http.Get(ctx, state.URL, state.Query, decorate)
		}
		cursor := graphCursor[graphGroupsPage](func(p graphGroupsPage) string { return p.NextLink })

		for resp, err := range httpclient.Stream(ctx, initial, fetch, cursor) {
			if err != nil {
				yield(provider.GroupRecord{}, err)
				return
			}
			if resp.StatusCode != 200 {
				yield(provider.GroupRecord{}, fmt.Errorf("groups list returned %d: %s", resp.StatusCode, resp.Body))
				return
			}
			var page graphGroupsPage
			if err := json.Unmarshal(resp.Body, &page); err != nil {
				yield(provider.GroupRecord{}, fmt.Errorf("decode groups page: %w", err))
				return
			}
			for _, g := range page.Value {
				if g.ID == "" {
					if !yield(provider.GroupRecord{}, &provider.MissingFieldError{Record: "group", IdPID: g.ID, Field: "id"}) {
						return
					}
					continue
				}
				if !yield(provider.GroupRecord{IdPID: g.ID, Name: g.DisplayName}, nil) {
					return
				}
			}
		}
	}
}

// StreamOrgUnits returns an empty sequence; Entra has no org-unit concept.
func (a *Adapter) StreamOrgUnits(ctx context.Context) iter.Seq2[provider.GroupRecord, error] {
	return func(yield func(provider.GroupRecord, error) bool) {}
}

type graphMember struct {
	ID   string `json:"id"`
	Type string `json:"@odata.type"`
}

type graphMembersPage struct {
	Value    []graphMember `json:"value"`
	NextLink string        `json:"@odata.nextLink"`
}

// StreamGroupMembers lazily walks one group's membership list, filtering to
// user-type members (service principals and nested groups are skipped).
func (a *Adapter) StreamGroupMembers(ctx context.Context, groupIdPID string) iter.Seq2[provider.MemberID, error] {
	return func(yield func(provider.MemberID, error) bool) {
		decorate, err := a.bearerDecorate(ctx)
		if err != nil {
			yield("", err)
			return
		}

		initial := httpclient.PageState{
			URL:   fmt.Sprintf("%s/groups/%s/members", a.baseURL, url.PathEscape(groupIdPID)),
			Query: url.Values{"$select": {"id"}, "$top": {"100"}},
		}
		fetch := func(ctx context.Context, state httpclient.PageState) (*httpclient.Response, error) {
			return a.http.Get(ctx, state.URL, state.Query, decorate)
		}
		cursor := graphCursor[graphMembersPage](func(p graphMembersPage) string { return p.NextLink })

		for resp, err := range httpclient.Stream(ctx, initial, fetch, cursor) {
			if err != nil {
				yield("", err)
				return
			}
			if resp.StatusCode == 404 {
				return
			}
			if resp.StatusCode != 200 {
				yield("", fmt.Errorf("members list returned %d: %s", resp.StatusCode, resp.Body))
				return
			}
			var page graphMembersPage
			if err := json.Unmarshal(resp.Body, &page); err != nil {
				yield("", fmt.Errorf("decode members page: %w", err))
				return
			}
			for _, m := range page.Value {
				if m.Type != "#microsoft.graph.user" {
					continue
				}
				if !yield(provider.MemberID(m.ID), nil) {
					return
				}
			}
		}
	}
}

// Verify probes a minimal request against the Graph API.
func (a *Adapter) Verify(ctx context.Context) error {
	decorate, err := a.bearerDecorate(ctx)
	if err != nil {
		return err
	}
	resp, err := a.http.Get(ctx, a.baseURL+"/users", url.Values{"$top": {"1"}}, decorate)
	if err != nil {
		return err
	}
	if resp.StatusCode == 403 {
		return &provider.ScopeError{Provider: "entra", Detail: string(resp.Body)}
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("verify failed: status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

// graphCursor builds a CursorFunc that follows a page's @odata.nextLink
// verbatim, replacing the request URL and clearing the query (the next link
// already embeds every parameter).
func graphCursor[P any](nextLink func(P) string) httpclient.CursorFunc {
	return func(resp *httpclient.Response, state httpclient.PageState) (httpclient.PageState, bool, error) {
		var page P
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			return httpclient.PageState{}, false, fmt.Errorf("decode graph page: %w", err)
		}
		link := nextLink(page)
		if link == "" {
			return httpclient.PageState{}, false, nil
		}
		return httpclient.PageState{URL: link}, true, nil
	}
}
