// Package xui is a client for the inbound management API of x-ui style panels.
package xui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"

	"github.com/panelfleet/panelfleet/internal/model"
)

// API is the per-panel contract used by the task handlers.
type API interface {
	ListInbounds(ctx context.Context) ([]Inbound, error)
	GetInbound(ctx context.Context, id int) (Inbound, error)
	CreateInbound(ctx context.Context, req CreateRequest) (Created, error)
	UpdateInbound(ctx context.Context, id int, totalBytes, expiryTime int64) error
	DisableInbound(ctx context.Context, id int) error
	DeleteInbound(ctx context.Context, id int) error
	UsedPorts(ctx context.Context) (map[int]struct{}, error)
	OnlineClientCount(ctx context.Context) (int, error)
	AggregateTraffic(ctx context.Context) (Traffic, error)
}

// Credentials identify one panel.
type Credentials struct {
	URL      string
	Username string
	Password string
}

// Options tune client behavior. Zero values select defaults.
type Options struct {
	// RequestTimeout bounds every HTTP round trip.
	RequestTimeout time.Duration
	// LocateDelays is the wait before each attempt to find a freshly added
	// inbound by remark.
	LocateDelays []time.Duration
	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper
}

const (
	DefaultRequestTimeout = 15 * time.Second
	sessionCookieName     = "session"
)

// DefaultLocateDelays waits 1s and then 2s more before giving up.
var DefaultLocateDelays = []time.Duration{time.Second, 2 * time.Second}

// Client is a logged-in session against one panel. It is safe for
// concurrent use.
type Client struct {
	creds        Credentials
	baseURL      string
	http         *http.Client
	timeout      time.Duration
	locateDelays []time.Duration

	loginMu sync.Mutex
}

var _ API = (*Client)(nil)

type envelope struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// Dial creates a client and logs in. It fails fast with *LoginError when the
// URL or credentials are bad.
func Dial(ctx context.Context, creds Credentials, opts Options) (*Client, error) {
	base := strings.TrimRight(creds.URL, "/")
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, &LoginError{URL: creds.URL, Err: err}
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("xui: cookie jar: %w", err)
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	delays := opts.LocateDelays
	if delays == nil {
		delays = DefaultLocateDelays
	}
	c := &Client{
		creds:        creds,
		baseURL:      base,
		http:         &http.Client{Jar: jar, Transport: opts.Transport},
		timeout:      timeout,
		locateDelays: delays,
	}
	if err := c.login(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) login(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	form := url.Values{}
	form.Set("username", c.creds.Username)
	form.Set("password", c.creds.Password)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return &LoginError{URL: c.creds.URL, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return &LoginError{URL: c.creds.URL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &LoginError{URL: c.creds.URL, Err: &HTTPStatusError{StatusCode: resp.StatusCode, URL: req.URL.String()}}
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err == nil && !env.Success {
		return &LoginError{URL: c.creds.URL, Err: &APIError{Path: "/login", Msg: env.Msg}}
	}
	for _, ck := range c.http.Jar.Cookies(req.URL) {
		if ck.Name == sessionCookieName {
			return nil
		}
	}
	return &LoginError{URL: c.creds.URL, Err: errors.New("session cookie not found")}
}

// call posts to path and decodes the success envelope into out (if non-nil).
// A 401 triggers one re-login and retry; the panel rejected the request
// before acting on it, so the retry cannot duplicate side effects.
func (c *Client) call(ctx context.Context, path string, body func() (io.Reader, string, error), out any) error {
	env, err := c.roundTrip(ctx, path, body)
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized {
		if lerr := c.login(ctx); lerr != nil {
			return lerr
		}
		env, err = c.roundTrip(ctx, path, body)
	}
	if err != nil {
		return err
	}
	if !env.Success {
		return &APIError{Path: path, Msg: env.Msg}
	}
	if out != nil && len(env.Obj) > 0 && string(env.Obj) != "null" {
		if err := json.Unmarshal(env.Obj, out); err != nil {
			return fmt.Errorf("xui: %s: decode obj: %w", path, err)
		}
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, path string, body func() (io.Reader, string, error)) (envelope, error) {
	var env envelope
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		reader      io.Reader
		contentType string
	)
	if body != nil {
		var err error
		reader, contentType, err = body()
		if err != nil {
			return env, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return env, fmt.Errorf("xui: %s: %w", path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	// Marks the call as AJAX so an expired session yields 401 instead of a
	// redirect to the login page.
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.http.Do(req)
	if err != nil {
		return env, fmt.Errorf("xui: %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return env, &HTTPStatusError{StatusCode: resp.StatusCode, URL: req.URL.String()}
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return env, fmt.Errorf("xui: %s: decode response: %w", path, err)
	}
	return env, nil
}

func formBody(form url.Values) func() (io.Reader, string, error) {
	return func() (io.Reader, string, error) {
		return strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", nil
	}
}

func jsonBody(v any) func() (io.Reader, string, error) {
	return func() (io.Reader, string, error) {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("xui: marshal body: %w", err)
		}
		return bytes.NewReader(raw), "application/json", nil
	}
}

// ListInbounds returns the full remote inventory.
func (c *Client) ListInbounds(ctx context.Context) ([]Inbound, error) {
	var inbounds []Inbound
	if err := c.call(ctx, "/panel/inbound/list", nil, &inbounds); err != nil {
		return nil, err
	}
	return inbounds, nil
}

// GetInbound looks up one inbound by id.
func (c *Client) GetInbound(ctx context.Context, id int) (Inbound, error) {
	inbounds, err := c.ListInbounds(ctx)
	if err != nil {
		return Inbound{}, err
	}
	for _, in := range inbounds {
		if in.ID == id {
			return in, nil
		}
	}
	return Inbound{}, fmt.Errorf("%w: id %d", ErrInboundNotFound, id)
}

// CreateInbound adds an inbound and returns its remote id, port and share
// link. The add endpoint does not reliably return the new id, so the inbound
// is located afterwards by its remark following the LocateDelays schedule.
// An inbound already carrying the remark, left behind by an attempt whose
// locate step gave up, is adopted instead of added twice: x-ui rejects a
// duplicate client email.
func (c *Client) CreateInbound(ctx context.Context, req CreateRequest) (Created, error) {
	if req.Remark == "" {
		return Created{}, errors.New("xui: create inbound: remark is required")
	}
	inbounds, err := c.ListInbounds(ctx)
	if err != nil {
		return Created{}, err
	}
	if in, ok := findRemark(inbounds, req.Remark); ok {
		return c.adopt(ctx, in, req)
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	form, err := addForm(req, clientID)
	if err != nil {
		return Created{}, fmt.Errorf("xui: create inbound: %w", err)
	}

	var added Inbound
	if err := c.call(ctx, "/panel/inbound/add", formBody(form), &added); err != nil {
		return Created{}, err
	}

	in, err := c.locate(ctx, req.Remark, added)
	if err != nil {
		return Created{}, err
	}
	link, err := BuildLink(in, req.Domain)
	if err != nil {
		return Created{}, fmt.Errorf("xui: create inbound: %w", err)
	}
	return Created{InboundID: in.ID, Port: in.Port, Link: link}, nil
}

// adopt takes over an existing inbound with the requested remark and brings
// its quota, expiry and enable flags in line with the request.
func (c *Client) adopt(ctx context.Context, in Inbound, req CreateRequest) (Created, error) {
	if model.Protocol(in.Protocol) != req.Protocol {
		return Created{}, fmt.Errorf("xui: create inbound: remark %q is taken by %s inbound %d", req.Remark, in.Protocol, in.ID)
	}
	if !in.Enable || in.Total != req.TotalBytes || in.ExpiryTime != req.ExpiryTime {
		enable := true
		if err := c.rewriteLimits(ctx, &in, req.TotalBytes, req.ExpiryTime, &enable); err != nil {
			return Created{}, fmt.Errorf("xui: adopt inbound %d: %w", in.ID, err)
		}
	}
	link, err := BuildLink(in, req.Domain)
	if err != nil {
		return Created{}, fmt.Errorf("xui: adopt inbound %d: %w", in.ID, err)
	}
	log.Printf("[xui] %s: adopted inbound %d (%q)", c.baseURL, in.ID, req.Remark)
	return Created{InboundID: in.ID, Port: in.Port, Link: link}, nil
}

func findRemark(inbounds []Inbound, remark string) (Inbound, bool) {
	for _, in := range inbounds {
		if in.Remark == remark {
			return in, true
		}
	}
	return Inbound{}, false
}

func (c *Client) locate(ctx context.Context, remark string, added Inbound) (Inbound, error) {
	// Newer panels echo the created inbound; trust it only with full settings.
	if added.ID > 0 && added.Remark == remark && added.Settings != "" {
		return added, nil
	}
	for _, delay := range c.locateDelays {
		if err := sleepCtx(ctx, delay); err != nil {
			return Inbound{}, err
		}
		inbounds, err := c.ListInbounds(ctx)
		if err != nil {
			return Inbound{}, err
		}
		if in, ok := findRemark(inbounds, remark); ok {
			return in, nil
		}
		log.Printf("[xui] %s: inbound %q not visible yet", c.baseURL, remark)
	}
	return Inbound{}, &LocateError{Remark: remark, Attempts: len(c.locateDelays)}
}

// UpdateInbound rewrites quota and expiry, preserving every other remote
// field. The enable flags of the inbound and its clients are left as found.
func (c *Client) UpdateInbound(ctx context.Context, id int, totalBytes, expiryTime int64) error {
	in, err := c.GetInbound(ctx, id)
	if err != nil {
		return err
	}
	if err := c.rewriteLimits(ctx, &in, totalBytes, expiryTime, nil); err != nil {
		return fmt.Errorf("xui: update inbound %d: %w", id, err)
	}
	return nil
}

// rewriteLimits posts in back with new quota and expiry on the inbound and
// each client. A nil enable keeps the current flags.
func (c *Client) rewriteLimits(ctx context.Context, in *Inbound, totalBytes, expiryTime int64, enable *bool) error {
	settings, err := rewriteClients(in.Settings, func(client map[string]any) {
		client["totalGB"] = totalBytes
		client["expiryTime"] = expiryTime
		if enable != nil {
			client["enable"] = *enable
		}
		if model.Protocol(in.Protocol) == model.ProtocolShadowsocks {
			client["method"] = ShadowsocksMethod
		}
	})
	if err != nil {
		return err
	}
	in.Settings = settings
	in.Total = totalBytes
	in.ExpiryTime = expiryTime
	if enable != nil {
		in.Enable = *enable
	}

	c.updateClientRecord(ctx, *in)
	return c.call(ctx, "/panel/inbound/update/"+strconv.Itoa(in.ID), jsonBody(updateBody(*in)), nil)
}

// updateClientRecord refreshes the per-client traffic record that some panel
// versions keep apart from the inbound settings. Failures are logged only:
// the inbound update that follows carries the authoritative values.
func (c *Client) updateClientRecord(ctx context.Context, in Inbound) {
	client, err := firstClient(in.Settings)
	if err != nil {
		return
	}
	clientID, _ := client["id"].(string)
	if clientID == "" {
		return
	}
	form := url.Values{}
	form.Set("id", strconv.Itoa(in.ID))
	form.Set("settings", in.Settings)
	if err := c.call(ctx, "/panel/inbound/updateClient/"+url.PathEscape(clientID), formBody(form), nil); err != nil {
		log.Printf("[xui] %s: updateClient %s for inbound %d: %v", c.baseURL, clientID, in.ID, err)
	}
}

// DisableInbound sets enable=false on the inbound and its clients without
// deleting anything.
func (c *Client) DisableInbound(ctx context.Context, id int) error {
	in, err := c.GetInbound(ctx, id)
	if err != nil {
		return err
	}
	settings, err := rewriteClients(in.Settings, func(client map[string]any) {
		client["enable"] = false
	})
	if err != nil {
		return fmt.Errorf("xui: disable inbound %d: %w", id, err)
	}
	in.Settings = settings
	in.Enable = false
	return c.call(ctx, "/panel/inbound/update/"+strconv.Itoa(id), jsonBody(updateBody(in)), nil)
}

// DeleteInbound removes an inbound. An inbound that is already gone is not
// an error: a success=false reply is checked against the list afterwards.
func (c *Client) DeleteInbound(ctx context.Context, id int) error {
	err := c.call(ctx, "/panel/inbound/del/"+strconv.Itoa(id), nil, nil)
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	if _, gerr := c.GetInbound(ctx, id); errors.Is(gerr, ErrInboundNotFound) {
		return nil
	}
	return err
}

// UsedPorts returns the set of ports taken by any inbound.
func (c *Client) UsedPorts(ctx context.Context) (map[int]struct{}, error) {
	inbounds, err := c.ListInbounds(ctx)
	if err != nil {
		return nil, err
	}
	ports := make(map[int]struct{}, len(inbounds))
	for _, in := range inbounds {
		ports[in.Port] = struct{}{}
	}
	return ports, nil
}

// OnlineClientCount returns the number of currently connected clients.
func (c *Client) OnlineClientCount(ctx context.Context) (int, error) {
	var online []json.RawMessage
	if err := c.call(ctx, "/panel/inbound/onlines", nil, &online); err != nil {
		return 0, err
	}
	return len(online), nil
}

// AggregateTraffic sums up/down counters over all inbounds.
func (c *Client) AggregateTraffic(ctx context.Context) (Traffic, error) {
	inbounds, err := c.ListInbounds(ctx)
	if err != nil {
		return Traffic{}, err
	}
	var t Traffic
	for _, in := range inbounds {
		t.Up += in.Up
		t.Down += in.Down
	}
	return t, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
