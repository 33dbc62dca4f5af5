// Package bookmarks composes credential resolution, authentication,
// pagination and extraction into one scrape run.
package bookmarks

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"instapaper-scraper/lib/credentials"
	"instapaper-scraper/lib/retryhttp"
	"instapaper-scraper/lib/scrapers/instapaper"
	"instapaper-scraper/lib/sessionstore"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("services/bookmarks")

type Config struct {
	Username        string  `json:"username"`
	Password        string  `json:"password"`
	FolderMode      bool    `json:"folder_mode"`
	FolderIdAndSlug string  `json:"folder_id_and_slug"`
	MaxRetries      int     `json:"max_retries"`
	BackoffFactor   float64 `json:"backoff_factor"`
	MaxPages        int     `json:"max_pages"`
	SessionFile     string  `json:"session_file"`
	KeyFile         string  `json:"key_file"`
	// overridable for testing against a stub server
	BaseUrl string `json:"base_url"`
}

type Service struct {
	client   *instapaper.Client
	store    sessionstore.Store
	resolver credentials.Resolver

	// credentials the run authenticated with, kept for the single
	// mid-run re-login the pipeline allows
	creds credentials.Credentials
}

func NewService(ctx context.Context, config Config, prompt credentials.PromptFunc) (*Service, error) {
	folder := ""
	if config.FolderMode {
		folder = config.FolderIdAndSlug
	}

	client, err := instapaper.NewClient(ctx, instapaper.ClientOptions{
		BaseUrl:  config.BaseUrl,
		Folder:   folder,
		MaxPages: config.MaxPages,
		Retry: retryhttp.Policy{
			MaxAttempts: config.MaxRetries,
			BackoffBase: time.Duration(config.BackoffFactor * float64(time.Second)),
		},
	})
	if err != nil {
		return nil, err
	}

	store := sessionstore.New(config.KeyFile, config.SessionFile)

	return &Service{
		client: client,
		store:  store,
		resolver: credentials.Resolver{
			Configured: credentials.Credentials{
				Username: config.Username,
				Password: config.Password,
			},
			Store:  store,
			Prompt: prompt,
		},
	}, nil
}

// Run executes one scrape: authenticate, paginate, extract, aggregate.
// Results are all-or-nothing, a fatal error mid-run discards whatever
// was already collected.
func (s *Service) Run(ctx context.Context) ([]instapaper.Article, error) {
	ctx, span := tracer.Start(ctx, "service:Run")
	defer span.End()

	err := s.authenticate(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to authenticate")
		return nil, err
	}

	pager := s.client.Paginate()
	seen := map[string]bool{}
	var all []instapaper.Article
	reloggedIn := false

	for {
		result, ok, err := pager.Next(ctx)
		if err != nil {
			if errors.Is(err, retryhttp.ErrAuthRequired) && !reloggedIn && s.creds.IsComplete() {
				// the paginator's cursor has not advanced, so the
				// failed page is retried after the re-login
				reloggedIn = true
				slog.WarnContext(ctx, "session rejected mid-run, attempting one re-login", "err", err)
				err = s.loginAndVerify(ctx, s.creds)
				if err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, "mid-run re-login failed")
					return nil, err
				}
				continue
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "pagination aborted")
			return nil, err
		}
		if !ok {
			break
		}

		for _, article := range result.Articles {
			// malformed pages can repeat a record within one run
			if seen[article.Id] {
				continue
			}
			seen[article.Id] = true
			all = append(all, article)
		}
	}

	slog.InfoContext(ctx, "scrape complete", "articles", len(all))
	return all, nil
}

func (s *Service) authenticate(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "service:authenticate")
	defer span.End()

	resolved, err := s.resolver.Resolve()
	if err != nil {
		return err
	}

	if resolved.HasSession {
		s.client.SetSession(resolved.Session)
		ok, err := s.client.Verify(ctx)
		if err != nil {
			return err
		}
		if ok {
			slog.InfoContext(ctx, "successfully logged in using the stored session")
			return nil
		}

		// a session that fails verification cannot become valid by
		// retrying it, fall back to a fresh login
		slog.WarnContext(ctx, "stored session failed verification, falling back to login")
		s.client.ClearSession()
		resolved, err = s.resolver.PromptCredentials()
		if err != nil {
			return err
		}
	}

	return s.loginAndVerify(ctx, resolved.Credentials)
}

func (s *Service) loginAndVerify(ctx context.Context, creds credentials.Credentials) error {
	session, err := s.client.LoginUsernamePassword(ctx, creds.Username, creds.Password)
	if err != nil {
		return err
	}
	ok, err := s.client.Verify(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return instapaper.ErrLoginFailed
	}

	s.creds = creds
	slog.InfoContext(ctx, "login successful", "username", creds.Username)

	// persisted only after verification; losing the save costs session
	// reuse next run, never this run's results
	err = s.store.Save(session)
	if err != nil {
		slog.WarnContext(ctx, "could not persist session for reuse", "err", err)
	}
	return nil
}
