// Package instapaper scrapes a user's saved bookmarks from the
// Instapaper website. The markup it reads is an unversioned external
// contract, so fields degrade one at a time instead of failing a
// whole page.
package instapaper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"instapaper-scraper/lib/retryhttp"
	"instapaper-scraper/lib/sessionstore"
	"instapaper-scraper/lib/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("scrapers/instapaper")

var ErrLoginFailed = fmt.Errorf("Failed to login to your Instapaper account.")

const DefaultBaseUrl = "https://www.instapaper.com"

// the cookies Instapaper issues on a successful login, all three are
// required for a session to be usable
var requiredCookies = []string{"pfu", "pfp", "pfh"}

const loginFormSelector = "#login_form"

type Client struct {
	BaseUrl *url.URL
	Http    *resty.Client

	// folder identifier ("id/slug", taken verbatim from config),
	// empty means the full archive
	Folder string
	// soft safety bound on pagination, 0 means unbounded
	MaxPages int
}

type ClientOptions struct {
	BaseUrl  string
	Folder   string
	MaxPages int
	Retry    retryhttp.Policy
}

func NewClient(ctx context.Context, opts ClientOptions) (*Client, error) {
	rawUrl := opts.BaseUrl
	if rawUrl == "" {
		rawUrl = DefaultBaseUrl
	}
	baseUrl, err := url.Parse(rawUrl)
	if err != nil {
		return nil, err
	}

	client := resty.New()
	client.SetBaseURL(rawUrl)
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)

	client.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	client.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(baseUrl.Hostname()))
	client.SetTimeout(time.Second * 30)

	retryhttp.Configure(client, opts.Retry)
	telemetry.InstrumentResty(client, "scrapers/instapaper/http")

	c := &Client{
		BaseUrl:  baseUrl,
		Http:     client,
		Folder:   opts.Folder,
		MaxPages: opts.MaxPages,
	}
	return c, nil
}

// LoginUsernamePassword performs the login handshake and returns the
// issued session material. The returned session is not yet verified,
// callers should follow up with Verify before trusting or persisting
// it.
func (c *Client) LoginUsernamePassword(ctx context.Context, username, password string) (sessionstore.Session, error) {
	ctx, span := tracer.Start(ctx, "client:LoginUsernamePassword")
	defer span.End()

	res, err := c.Http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"username":       username,
			"password":       password,
			"keep_logged_in": "yes",
		}).
		Post("/user/login")
	err = retryhttp.Classify(res, err)
	if errors.Is(err, retryhttp.ErrAuthRequired) {
		span.SetStatus(codes.Error, ErrLoginFailed.Error())
		return sessionstore.Session{}, ErrLoginFailed
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to make login request")
		return sessionstore.Session{}, err
	}

	finalUrl := res.RawResponse.Request.URL
	session := c.Session()
	if !strings.Contains(finalUrl.Path, "/u") || session.IsZero() {
		span.SetStatus(codes.Error, ErrLoginFailed.Error())
		return sessionstore.Session{}, ErrLoginFailed
	}

	return session, nil
}

// Verify issues a lightweight authenticated request and reports
// whether the current session is actually logged in. A 200 that still
// renders the login form does not count.
func (c *Client) Verify(ctx context.Context) (bool, error) {
	ctx, span := tracer.Start(ctx, "client:Verify")
	defer span.End()

	res, err := c.Http.R().
		SetContext(ctx).
		Get("/u")
	err = retryhttp.Classify(res, err)
	if errors.Is(err, retryhttp.ErrAuthRequired) {
		return false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session verification request failed")
		return false, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse verification page")
		return false, err
	}

	return doc.Find(loginFormSelector).Length() == 0, nil
}

// Session exports the service-issued session cookies so they can be
// persisted. Only the known session cookies are exported.
func (c *Client) Session() sessionstore.Session {
	jar := c.Http.GetClient().Jar
	if jar == nil {
		return sessionstore.Session{}
	}

	found := map[string]*http.Cookie{}
	for _, cookie := range jar.Cookies(c.BaseUrl) {
		found[cookie.Name] = cookie
	}

	session := sessionstore.Session{}
	for _, name := range requiredCookies {
		cookie, ok := found[name]
		if !ok {
			return sessionstore.Session{}
		}
		domain := cookie.Domain
		if domain == "" {
			domain = c.BaseUrl.Hostname()
		}
		session.Cookies = append(session.Cookies, sessionstore.Cookie{
			Name:   cookie.Name,
			Value:  cookie.Value,
			Domain: domain,
		})
	}
	return session
}

// SetSession installs previously persisted session cookies on the
// client. It does not verify them.
func (c *Client) SetSession(session sessionstore.Session) {
	cookies := make([]*http.Cookie, len(session.Cookies))
	for i, cookie := range session.Cookies {
		cookies[i] = &http.Cookie{
			Name:  cookie.Name,
			Value: cookie.Value,
			Path:  "/",
		}
	}
	c.Http.GetClient().Jar.SetCookies(c.BaseUrl, cookies)
}

// ClearSession drops all cookies, used when a stored session fails
// verification and the pipeline falls back to a fresh login.
func (c *Client) ClearSession() {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return
	}
	c.Http.SetCookieJar(jar)
}
