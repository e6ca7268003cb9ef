package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/panelfleet/panelfleet/internal/model"
	"github.com/panelfleet/panelfleet/internal/state"
	"github.com/panelfleet/panelfleet/internal/taskqueue"
)

// PanelResponse is the API response model for a panel. The password is
// never returned.
type PanelResponse struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	URL          string `json:"url"`
	Username     string `json:"username"`
	Domain       string `json:"domain"`
	RemarkPrefix string `json:"remark_prefix"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

func panelToResponse(p model.Panel) PanelResponse {
	return PanelResponse{
		ID:           p.ID,
		Name:         p.Name,
		URL:          p.URL,
		Username:     p.Username,
		Domain:       p.Domain,
		RemarkPrefix: p.RemarkPrefix,
		CreatedAt:    formatNs(p.CreatedAtNs),
		UpdatedAt:    formatNs(p.UpdatedAtNs),
	}
}

// ListPanels returns all panels.
func (s *ControlPlaneService) ListPanels(ctx context.Context) ([]PanelResponse, error) {
	panels, err := s.Repo.ListPanels(ctx)
	if err != nil {
		return nil, internal("list panels", err)
	}
	resp := make([]PanelResponse, len(panels))
	for i, p := range panels {
		resp[i] = panelToResponse(p)
	}
	return resp, nil
}

func (s *ControlPlaneService) getPanelModel(ctx context.Context, id int64) (*model.Panel, error) {
	p, err := s.Repo.GetPanel(ctx, id)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, notFound("panel not found")
		}
		return nil, internal("get panel", err)
	}
	return p, nil
}

// GetPanel returns a single panel by id.
func (s *ControlPlaneService) GetPanel(ctx context.Context, id int64) (*PanelResponse, error) {
	p, err := s.getPanelModel(ctx, id)
	if err != nil {
		return nil, err
	}
	r := panelToResponse(*p)
	return &r, nil
}

// CreatePanelRequest holds create panel parameters. Domain defaults to the
// URL host and RemarkPrefix to the name.
type CreatePanelRequest struct {
	Name         *string `json:"name"`
	URL          *string `json:"url"`
	Username     *string `json:"username"`
	Password     *string `json:"password"`
	Domain       *string `json:"domain"`
	RemarkPrefix *string `json:"remark_prefix"`
}

func requiredString(field string, v *string) (string, *ServiceError) {
	if v == nil || strings.TrimSpace(*v) == "" {
		return "", invalidArg(field + " is required")
	}
	return strings.TrimSpace(*v), nil
}

func (req CreatePanelRequest) toModel() (*model.Panel, *ServiceError) {
	name, verr := requiredString("name", req.Name)
	if verr != nil {
		return nil, verr
	}
	rawURL, verr := requiredString("url", req.URL)
	if verr != nil {
		return nil, verr
	}
	u, verr := parseHTTPAbsoluteURL("url", rawURL)
	if verr != nil {
		return nil, verr
	}
	username, verr := requiredString("username", req.Username)
	if verr != nil {
		return nil, verr
	}
	if req.Password == nil || *req.Password == "" {
		return nil, invalidArg("password is required")
	}
	p := &model.Panel{
		Name:         name,
		URL:          strings.TrimRight(rawURL, "/"),
		Username:     username,
		Password:     *req.Password,
		Domain:       u.Hostname(),
		RemarkPrefix: name,
	}
	if req.Domain != nil && strings.TrimSpace(*req.Domain) != "" {
		p.Domain = strings.TrimSpace(*req.Domain)
	}
	if req.RemarkPrefix != nil && strings.TrimSpace(*req.RemarkPrefix) != "" {
		p.RemarkPrefix = strings.TrimSpace(*req.RemarkPrefix)
	}
	if verr := validateRemarkPrefix(p.RemarkPrefix); verr != nil {
		return nil, verr
	}
	return p, nil
}

func validateRemarkPrefix(prefix string) *ServiceError {
	if strings.ContainsAny(prefix, " \t\r\n#/") {
		return invalidArg("remark_prefix: must not contain whitespace, '#' or '/'")
	}
	return nil
}

// CreatePanel registers a panel. Existing services are provisioned on it by
// the next reconciliation.
func (s *ControlPlaneService) CreatePanel(ctx context.Context, req CreatePanelRequest) (*PanelResponse, error) {
	p, verr := req.toModel()
	if verr != nil {
		return nil, verr
	}
	if err := s.Repo.CreatePanel(ctx, p); err != nil {
		if errors.Is(err, state.ErrConflict) {
			return nil, conflict("panel name or remark_prefix already exists")
		}
		return nil, internal("create panel", err)
	}
	log.Printf("[service] registered panel %d (%s)", p.ID, p.Name)
	r := panelToResponse(*p)
	return &r, nil
}

// EnsurePanel creates the panel named in req or updates the existing one
// with the same name. It reports whether a row was created.
func (s *ControlPlaneService) EnsurePanel(ctx context.Context, req CreatePanelRequest) (bool, error) {
	want, verr := req.toModel()
	if verr != nil {
		return false, verr
	}
	existing, err := s.Repo.GetPanelByName(ctx, want.Name)
	if errors.Is(err, state.ErrNotFound) {
		if _, err := s.CreatePanel(ctx, req); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, internal("get panel", err)
	}
	if existing.URL == want.URL && existing.Username == want.Username &&
		existing.Password == want.Password && existing.Domain == want.Domain &&
		existing.RemarkPrefix == want.RemarkPrefix {
		return false, nil
	}
	s.forgetSession(*existing)
	want.ID = existing.ID
	if err := s.Repo.UpdatePanel(ctx, want); err != nil {
		if errors.Is(err, state.ErrConflict) {
			return false, conflict("remark_prefix already exists")
		}
		return false, internal("update panel", err)
	}
	return false, nil
}

var panelPatchAllowedFields = map[string]bool{
	"name":          true,
	"url":           true,
	"username":      true,
	"password":      true,
	"domain":        true,
	"remark_prefix": true,
}

// UpdatePanel applies a constrained merge patch. Changing remark_prefix does
// not rename inbounds that already exist.
func (s *ControlPlaneService) UpdatePanel(ctx context.Context, id int64, patchJSON json.RawMessage) (*PanelResponse, error) {
	patch, verr := parseMergePatch(patchJSON)
	if verr != nil {
		return nil, verr
	}
	if verr := patch.validateFields(panelPatchAllowedFields, func(key string) string {
		return fmt.Sprintf("field %q is read-only or unknown", key)
	}); verr != nil {
		return nil, verr
	}

	current, err := s.getPanelModel(ctx, id)
	if err != nil {
		return nil, err
	}
	updated := *current

	if v, ok, verr := patch.optionalNonEmptyString("name"); verr != nil {
		return nil, verr
	} else if ok {
		updated.Name = v
	}
	if v, ok, verr := patch.optionalNonEmptyString("url"); verr != nil {
		return nil, verr
	} else if ok {
		if _, verr := parseHTTPAbsoluteURL("url", v); verr != nil {
			return nil, verr
		}
		updated.URL = strings.TrimRight(v, "/")
	}
	if v, ok, verr := patch.optionalNonEmptyString("username"); verr != nil {
		return nil, verr
	} else if ok {
		updated.Username = v
	}
	if v, ok, verr := patch.optionalString("password"); verr != nil {
		return nil, verr
	} else if ok {
		if v == "" {
			return nil, invalidArg("password: must be a non-empty string")
		}
		updated.Password = v
	}
	if v, ok, verr := patch.optionalNonEmptyString("domain"); verr != nil {
		return nil, verr
	} else if ok {
		updated.Domain = v
	}
	if v, ok, verr := patch.optionalNonEmptyString("remark_prefix"); verr != nil {
		return nil, verr
	} else if ok {
		if verr := validateRemarkPrefix(v); verr != nil {
			return nil, verr
		}
		updated.RemarkPrefix = v
	}

	if err := s.Repo.UpdatePanel(ctx, &updated); err != nil {
		if errors.Is(err, state.ErrConflict) {
			return nil, conflict("panel name or remark_prefix already exists")
		}
		if errors.Is(err, state.ErrNotFound) {
			return nil, notFound("panel not found")
		}
		return nil, internal("update panel", err)
	}
	s.forgetSession(*current)
	r := panelToResponse(updated)
	return &r, nil
}

// DeletePanelResult reports the cleanup task queued after a panel removal.
type DeletePanelResult struct {
	CleanupTaskID string `json:"cleanup_task_id,omitempty"`
}

// DeletePanel removes the panel row and enqueues cleanup_panels so the
// dangling configs and subscriptions are rewritten. Remote inbounds are left
// on the panel.
func (s *ControlPlaneService) DeletePanel(ctx context.Context, id int64) (*DeletePanelResult, error) {
	p, err := s.getPanelModel(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.Repo.DeletePanel(ctx, id); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, notFound("panel not found")
		}
		return nil, internal("delete panel", err)
	}
	s.forgetSession(*p)
	log.Printf("[service] deleted panel %d (%s)", p.ID, p.Name)

	res := &DeletePanelResult{}
	taskID, err := s.enqueue(ctx, taskqueue.Periodic(taskqueue.KindCleanupPanels), taskqueue.PriorityService)
	if err != nil {
		// The scheduled sweep still picks the configs up.
		log.Printf("[service] panel %d: %v", id, err)
		return res, nil
	}
	res.CleanupTaskID = taskID
	return res, nil
}

// PanelStats is a live snapshot read from the remote panel.
type PanelStats struct {
	PanelID       int64 `json:"panel_id"`
	Inbounds      int   `json:"inbounds"`
	OnlineClients int   `json:"online_clients"`
	UpBytes       int64 `json:"up_bytes"`
	DownBytes     int64 `json:"down_bytes"`
	TotalBytes    int64 `json:"total_bytes"`
}

// GetPanelStats logs in to the panel and reads inbound count, online
// clients and aggregate traffic.
func (s *ControlPlaneService) GetPanelStats(ctx context.Context, id int64) (*PanelStats, error) {
	p, err := s.getPanelModel(ctx, id)
	if err != nil {
		return nil, err
	}
	api, err := s.Connector.Connect(ctx, *p)
	if err != nil {
		return nil, unavailable("connect to panel", err)
	}
	inbounds, err := api.ListInbounds(ctx)
	if err != nil {
		s.forgetSession(*p)
		return nil, unavailable("list inbounds", err)
	}
	online, err := api.OnlineClientCount(ctx)
	if err != nil {
		return nil, unavailable("count online clients", err)
	}
	traffic, err := api.AggregateTraffic(ctx)
	if err != nil {
		return nil, unavailable("aggregate traffic", err)
	}
	return &PanelStats{
		PanelID:       p.ID,
		Inbounds:      len(inbounds),
		OnlineClients: online,
		UpBytes:       traffic.Up,
		DownBytes:     traffic.Down,
		TotalBytes:    traffic.Total(),
	}, nil
}
