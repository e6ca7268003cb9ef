// Package tasks implements the business logic of every task kind: remote
// provisioning, limit updates, teardown, usage accounting, policy
// enforcement, orphan cleanup and reconciliation.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/panelfleet/panelfleet/internal/gate"
	"github.com/panelfleet/panelfleet/internal/model"
	"github.com/panelfleet/panelfleet/internal/state"
	"github.com/panelfleet/panelfleet/internal/subscription"
	"github.com/panelfleet/panelfleet/internal/taskqueue"
	"github.com/panelfleet/panelfleet/internal/xui"
)

// DefaultBasePort is the lowest port handed out to new inbounds.
const DefaultBasePort = 20000

// ErrNoPanelSucceeded fails a task when panels were involved but every one
// of them failed.
var ErrNoPanelSucceeded = errors.New("no panel could be processed")

// Options configures Handlers.
type Options struct {
	BasePort int
	// PublicBaseURL prefixes subscription links, e.g. https://subs.example.com.
	PublicBaseURL string
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Handlers executes tasks against the database and the panel fleet.
type Handlers struct {
	repo      *state.Repo
	connector xui.Connector
	subs      *subscription.Writer
	portLocks *gate.Keyed[int64]

	basePort      int
	publicBaseURL string
	now           func() time.Time
}

// New creates Handlers. portLocks serializes port allocation per panel and
// must be shared by everything that creates inbounds.
func New(repo *state.Repo, connector xui.Connector, subs *subscription.Writer, portLocks *gate.Keyed[int64], opts Options) *Handlers {
	if opts.BasePort <= 0 {
		opts.BasePort = DefaultBasePort
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if portLocks == nil {
		portLocks = gate.NewKeyed[int64]()
	}
	return &Handlers{
		repo:          repo,
		connector:     connector,
		subs:          subs,
		portLocks:     portLocks,
		basePort:      opts.BasePort,
		publicBaseURL: strings.TrimRight(opts.PublicBaseURL, "/"),
		now:           opts.Now,
	}
}

// Handle dispatches a payload to the handler of its kind. The returned
// report is the task result.
func (h *Handlers) Handle(ctx context.Context, p taskqueue.Payload) (any, error) {
	var (
		rep *Report
		err error
	)
	switch v := p.(type) {
	case taskqueue.BuildConfigsPayload:
		rep, err = h.BuildConfigs(ctx, v.ServiceUUID)
	case taskqueue.UpdateServicePayload:
		rep, err = h.UpdateService(ctx, v)
	case taskqueue.DeleteServicePayload:
		rep, err = h.DeleteService(ctx, v.ServiceUUID)
	case taskqueue.PeriodicPayload:
		switch v.Kind() {
		case taskqueue.KindSyncUsage:
			rep, err = h.SyncUsage(ctx)
		case taskqueue.KindCheckExpiredServices:
			rep, err = h.CheckExpiredServices(ctx)
		case taskqueue.KindCheckServiceStatus:
			rep, err = h.CheckServiceStatus(ctx)
		case taskqueue.KindCleanupPanels:
			rep, err = h.CleanupPanels(ctx)
		case taskqueue.KindSyncServicesOnPanels:
			rep, err = h.SyncServicesWithPanels(ctx)
		default:
			return nil, fmt.Errorf("%w: %s", taskqueue.ErrUnknownKind, v.Kind())
		}
	default:
		return nil, fmt.Errorf("%w: payload %T", taskqueue.ErrUnknownKind, p)
	}
	if rep == nil {
		return nil, err
	}
	return rep, err
}

// Result is the outcome of one operation against one panel.
type Result struct {
	PanelID  int64          `json:"panel_id"`
	Panel    string         `json:"panel"`
	Service  string         `json:"service,omitempty"`
	Protocol model.Protocol `json:"protocol,omitempty"`
	Op       string         `json:"op"`
	OK       bool           `json:"ok"`
	Error    string         `json:"error,omitempty"`
}

// Transition records a status change made by a policy sweep.
type Transition struct {
	Service string              `json:"service"`
	To      model.ServiceStatus `json:"to"`
}

// Report is the result document of a task.
type Report struct {
	Kind        taskqueue.Kind `json:"kind"`
	Results     []Result       `json:"results"`
	Transitions []Transition   `json:"transitions,omitempty"`
	// Services counts services examined or changed, depending on the kind.
	Services int `json:"services"`
	// Created and Removed count local config rows.
	Created int `json:"created,omitempty"`
	Removed int `json:"removed,omitempty"`
}

func newReport(kind taskqueue.Kind) *Report {
	return &Report{Kind: kind, Results: []Result{}}
}

func (r *Report) ok(panel model.Panel, service string, proto model.Protocol, op string) {
	r.Results = append(r.Results, Result{
		PanelID: panel.ID, Panel: panel.Name, Service: service, Protocol: proto, Op: op, OK: true,
	})
}

func (r *Report) fail(panel model.Panel, service string, proto model.Protocol, op string, err error) {
	log.Printf("[tasks] %s %s: panel %s: %s: %v", r.Kind, service, panel.Name, op, err)
	r.Results = append(r.Results, Result{
		PanelID: panel.ID, Panel: panel.Name, Service: service, Protocol: proto, Op: op, Error: err.Error(),
	})
}

// Failed returns the number of failed results.
func (r *Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if !res.OK {
			n++
		}
	}
	return n
}

// outcome applies the task failure rule: the task fails only when panel
// operations were attempted and none of them succeeded.
func (r *Report) outcome() (*Report, error) {
	if len(r.Results) > 0 && r.Failed() == len(r.Results) {
		return r, fmt.Errorf("%s: %w (%d failures)", r.Kind, ErrNoPanelSucceeded, len(r.Results))
	}
	return r, nil
}

// sessions connects to each panel at most once per task run.
type sessions struct {
	h     *Handlers
	apis  map[int64]xui.API
	fails map[int64]error
}

func (h *Handlers) newSessions() *sessions {
	return &sessions{h: h, apis: make(map[int64]xui.API), fails: make(map[int64]error)}
}

func (s *sessions) get(ctx context.Context, panel model.Panel) (xui.API, error) {
	if api, ok := s.apis[panel.ID]; ok {
		return api, nil
	}
	if err, ok := s.fails[panel.ID]; ok {
		return nil, err
	}
	api, err := s.h.connector.Connect(ctx, panel)
	if err != nil {
		err = fmt.Errorf("connect: %w", err)
		s.fails[panel.ID] = err
		return nil, err
	}
	s.apis[panel.ID] = api
	return api, nil
}

// forget drops a cached remote session after a transport-level failure so
// the next run logs in again.
func (s *sessions) forget(panel model.Panel, err error) {
	var apiErr *xui.APIError
	if err == nil || errors.As(err, &apiErr) || errors.Is(err, xui.ErrInboundNotFound) {
		return
	}
	if f, ok := s.h.connector.(interface{ Forget(model.Panel) }); ok {
		f.Forget(panel)
	}
}

// Remark renders the remote inbound remark of a service on a panel.
// Services with several protocols get a protocol suffix so that each
// inbound stays unique per panel.
func Remark(prefix string, svc model.Service, proto model.Protocol) string {
	short := svc.UUID
	if len(short) > 8 {
		short = short[:8]
	}
	remark := prefix + "-" + svc.Name + "-" + short
	if len(svc.Protocol.Inbounds()) > 1 {
		remark += "-" + protocolSuffix(proto)
	}
	return remark
}

func protocolSuffix(p model.Protocol) string {
	if p == model.ProtocolShadowsocks {
		return "ss"
	}
	return string(p)
}

// SubscriptionURL returns the public subscription link of a service.
func SubscriptionURL(publicBaseURL, uuid string) string {
	return strings.TrimRight(publicBaseURL, "/") + "/subs/" + uuid + ".txt"
}

func expiryMillis(endAtNs int64) int64 {
	if endAtNs <= 0 {
		return 0
	}
	return endAtNs / int64(time.Millisecond)
}

func panelsByID(panels []model.Panel) map[int64]model.Panel {
	out := make(map[int64]model.Panel, len(panels))
	for _, p := range panels {
		out[p.ID] = p
	}
	return out
}

func configsByService(configs []model.PanelConfig) map[int64][]model.PanelConfig {
	out := make(map[int64][]model.PanelConfig)
	for _, c := range configs {
		out[c.ServiceID] = append(out[c.ServiceID], c)
	}
	return out
}

// rewriteSubscription regenerates the subscription file of svc from its
// current config rows and stores the public link on the service.
func (h *Handlers) rewriteSubscription(ctx context.Context, svc *model.Service) error {
	configs, err := h.repo.ListConfigsByService(ctx, svc.ID)
	if err != nil {
		return fmt.Errorf("list configs of %s: %w", svc.UUID, err)
	}
	links := make([]string, 0, len(configs))
	for _, c := range configs {
		if c.ConfigLink != "" {
			links = append(links, c.ConfigLink)
		}
	}
	if err := h.subs.Write(svc.UUID, links); err != nil {
		return err
	}
	link := SubscriptionURL(h.publicBaseURL, svc.UUID)
	if svc.SubscriptionLink != link {
		if err := h.repo.SetSubscriptionLink(ctx, svc.ID, link); err != nil {
			return fmt.Errorf("set subscription link of %s: %w", svc.UUID, err)
		}
		svc.SubscriptionLink = link
	}
	return nil
}

// disableConfigs disables every remote inbound of a service, continuing past
// failures.
func (h *Handlers) disableConfigs(ctx context.Context, rep *Report, sess *sessions, svc model.Service, configs []model.PanelConfig, panels map[int64]model.Panel) {
	for _, c := range configs {
		panel, ok := panels[c.PanelID]
		if !ok {
			log.Printf("[tasks] %s %s: config %d references missing panel %d", rep.Kind, svc.UUID, c.ID, c.PanelID)
			continue
		}
		api, err := sess.get(ctx, panel)
		if err != nil {
			rep.fail(panel, svc.UUID, c.Protocol, "disable", err)
			continue
		}
		if err := api.DisableInbound(ctx, c.PanelInboundID); err != nil {
			sess.forget(panel, err)
			rep.fail(panel, svc.UUID, c.Protocol, "disable", err)
			continue
		}
		rep.ok(panel, svc.UUID, c.Protocol, "disable")
	}
}

// transition moves svc out of active and disables its inbounds. A service
// that already left active is skipped.
func (h *Handlers) transition(ctx context.Context, rep *Report, sess *sessions, svc model.Service, to model.ServiceStatus, configs []model.PanelConfig, panels map[int64]model.Panel) error {
	if err := h.repo.TransitionStatus(ctx, svc.ID, to); err != nil {
		if errors.Is(err, state.ErrNotActive) || errors.Is(err, state.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("transition %s to %s: %w", svc.UUID, to, err)
	}
	log.Printf("[tasks] %s: service %s (%s) is now %s", rep.Kind, svc.UUID, svc.Name, to)
	rep.Transitions = append(rep.Transitions, Transition{Service: svc.UUID, To: to})
	h.disableConfigs(ctx, rep, sess, svc, configs, panels)
	return nil
}
