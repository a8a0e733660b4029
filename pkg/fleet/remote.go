package fleet

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
	"github.com/lmtoy/pipeline-web/errors"
	"github.com/lmtoy/pipeline-web/version"
)

const remotePageSize = 100

// maxRemotePages stops a misbehaving API from paging forever.
const maxRemotePages = 50

var httpClient = &http.Client{Timeout: 30 * time.Second}

// remoteOwner is the account a github.api_url lists repositories for.
type remoteOwner struct {
	base *url.URL
	// kind is "orgs" or "users".
	kind string
	name string
}

// parseAPIURL splits an endpoint such as
// https://api.github.com/orgs/lmtoy/repos into the API root and the owner.
func parseAPIURL(raw string) (*remoteOwner, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.New(errors.ErrCodeConfigValidation, "invalid github.api_url").WithDetail("api_url", raw)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	n := len(parts)
	if n < 3 || parts[n-1] != "repos" || (parts[n-3] != "orgs" && parts[n-3] != "users") || parts[n-2] == "" {
		return nil, errors.New(errors.ErrCodeConfigValidation,
			"github.api_url must end in /orgs/<org>/repos or /users/<user>/repos").WithDetail("api_url", raw)
	}
	base := *u
	base.Path = "/" + strings.Join(parts[:n-3], "/")
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	base.RawQuery = ""
	return &remoteOwner{base: &base, kind: parts[n-3], name: parts[n-2]}, nil
}

// ListRemote returns the project repositories the upstream API knows about:
// names with the configured prefix, a non-empty PID and no "test" in them.
func (s *Syncer) ListRemote(ctx context.Context) ([]string, error) {
	if s.apiURL == "" {
		return nil, errors.New(errors.ErrCodeConfigValidation, "github.api_url is not configured")
	}
	owner, err := parseAPIURL(s.apiURL)
	if err != nil {
		return nil, err
	}
	client := github.NewClient(httpClient)
	client.BaseURL = owner.base
	client.UserAgent = version.UserAgent()

	var names []string
	for page := 1; page <= maxRemotePages; page++ {
		repos, err := owner.list(ctx, client, page)
		if err != nil {
			return nil, remoteListError(owner.base.Host, err)
		}
		for _, r := range repos {
			name := r.GetName()
			pid := strings.TrimPrefix(name, s.prefix)
			if strings.HasPrefix(name, s.prefix) && pid != "" &&
				!strings.Contains(strings.ToLower(name), "test") {
				names = append(names, name)
			}
		}
		if len(repos) < remotePageSize {
			break
		}
	}
	sort.Strings(names)
	return names, nil
}

func (o *remoteOwner) list(ctx context.Context, client *github.Client, page int) ([]*github.Repository, error) {
	opts := github.ListOptions{PerPage: remotePageSize, Page: page}
	if o.kind == "users" {
		repos, _, err := client.Repositories.ListByUser(ctx, o.name, &github.RepositoryListByUserOptions{ListOptions: opts})
		return repos, err
	}
	repos, _, err := client.Repositories.ListByOrg(ctx, o.name, &github.RepositoryListByOrgOptions{ListOptions: opts})
	return repos, err
}

// remoteListError keeps the API's own message as the remote stderr.
func remoteListError(host string, err error) error {
	var rl *github.RateLimitError
	if errors.As(err, &rl) {
		return errors.RemoteError(host, rl.Message, err).WithDetail("reset", rl.Rate.Reset.Time)
	}
	var er *github.ErrorResponse
	if errors.As(err, &er) {
		return errors.RemoteError(host, er.Message, err)
	}
	return errors.RemoteError(host, "", err)
}
