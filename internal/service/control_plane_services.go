package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/panelfleet/panelfleet/internal/model"
	"github.com/panelfleet/panelfleet/internal/state"
	"github.com/panelfleet/panelfleet/internal/subscription"
	"github.com/panelfleet/panelfleet/internal/taskqueue"
	"github.com/panelfleet/panelfleet/internal/tasks"
)

// ServiceResponse is the API response model for a service.
type ServiceResponse struct {
	UUID             string  `json:"uuid"`
	Name             string  `json:"name"`
	Protocol         string  `json:"protocol"`
	StartDate        string  `json:"start_date"`
	EndDate          string  `json:"end_date,omitempty"`
	DataLimitGB      float64 `json:"data_limit_gb"`
	DataUsedGB       float64 `json:"data_used_gb"`
	Status           string  `json:"status"`
	SubscriptionLink string  `json:"subscription_link"`
	CreatedBy        string  `json:"created_by"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
}

func serviceToResponse(s model.Service) ServiceResponse {
	return ServiceResponse{
		UUID:             s.UUID,
		Name:             s.Name,
		Protocol:         string(s.Protocol),
		StartDate:        formatNs(s.StartAtNs),
		EndDate:          formatNs(s.EndAtNs),
		DataLimitGB:      s.DataLimitGB,
		DataUsedGB:       s.DataUsedGB,
		Status:           string(s.Status),
		SubscriptionLink: s.SubscriptionLink,
		CreatedBy:        s.CreatedBy,
		CreatedAt:        formatNs(s.CreatedAtNs),
		UpdatedAt:        formatNs(s.UpdatedAtNs),
	}
}

// TaskAccepted is returned by every operation that only enqueues work.
type TaskAccepted struct {
	TaskID string `json:"task_id"`
}

func (s *ControlPlaneService) getServiceModel(ctx context.Context, serviceUUID string) (*model.Service, error) {
	svc, err := s.Repo.GetServiceByUUID(ctx, serviceUUID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, notFound("service not found")
		}
		return nil, internal("get service", err)
	}
	return svc, nil
}

// ListServices returns all services, optionally filtered by status.
func (s *ControlPlaneService) ListServices(ctx context.Context, status string) ([]ServiceResponse, error) {
	var (
		services []model.Service
		err      error
	)
	if status == "" {
		services, err = s.Repo.ListServices(ctx)
	} else {
		st := model.ServiceStatus(status)
		if !st.IsValid() {
			return nil, invalidArg(fmt.Sprintf("status: must be %s, %s, or %s",
				model.StatusActive, model.StatusExpired, model.StatusLimitReached))
		}
		services, err = s.Repo.ListServicesByStatus(ctx, st)
	}
	if err != nil {
		return nil, internal("list services", err)
	}
	resp := make([]ServiceResponse, len(services))
	for i, svc := range services {
		resp[i] = serviceToResponse(svc)
	}
	return resp, nil
}

// GetService returns a single service by uuid.
func (s *ControlPlaneService) GetService(ctx context.Context, serviceUUID string) (*ServiceResponse, error) {
	svc, err := s.getServiceModel(ctx, serviceUUID)
	if err != nil {
		return nil, err
	}
	r := serviceToResponse(*svc)
	return &r, nil
}

// CreateServiceRequest holds create service parameters.
type CreateServiceRequest struct {
	Name         *string  `json:"name"`
	Protocol     *string  `json:"protocol"`
	DurationDays *float64 `json:"duration_days"`
	DataLimitGB  *float64 `json:"data_limit_gb"`
	CreatedBy    *string  `json:"created_by"`
}

// CreateServiceResult is the accepted creation.
type CreateServiceResult struct {
	Service ServiceResponse `json:"service"`
	TaskID  string          `json:"task_id"`
}

// CreateService registers a service and enqueues its provisioning. The
// creation gate is held from uuid allocation until the build task is queued.
func (s *ControlPlaneService) CreateService(ctx context.Context, req CreateServiceRequest) (*CreateServiceResult, error) {
	if req.Name == nil || strings.TrimSpace(*req.Name) == "" {
		return nil, invalidArg("name is required")
	}
	name := strings.TrimSpace(*req.Name)
	if strings.ContainsAny(name, "\r\n#") {
		return nil, invalidArg("name: must not contain line breaks or '#'")
	}

	protocol := model.ProtocolVLESS
	if req.Protocol != nil {
		protocol = model.Protocol(strings.ToLower(strings.TrimSpace(*req.Protocol)))
		if !protocol.IsValid() {
			return nil, invalidArg(fmt.Sprintf("protocol: must be %s, %s, or %s",
				model.ProtocolVLESS, model.ProtocolShadowsocks, model.ProtocolMixed))
		}
	}
	if req.DurationDays == nil {
		return nil, invalidArg("duration_days is required")
	}
	if req.DataLimitGB == nil {
		return nil, invalidArg("data_limit_gb is required")
	}
	if v := *req.DataLimitGB; math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return nil, invalidArg("data_limit_gb: must be a non-negative number")
	}
	createdBy := ""
	if req.CreatedBy != nil {
		createdBy = strings.TrimSpace(*req.CreatedBy)
	}

	if err := s.Gate.Acquire(ctx); err != nil {
		return nil, unavailable("service creation is busy", err)
	}
	defer s.Gate.Release()

	now := s.now()
	end, verr := daysFrom("duration_days", now, *req.DurationDays)
	if verr != nil {
		return nil, verr
	}
	id := uuid.New().String()
	svc := &model.Service{
		UUID:             id,
		Name:             name,
		Protocol:         protocol,
		StartAtNs:        now.UnixNano(),
		EndAtNs:          end.UnixNano(),
		DataLimitGB:      *req.DataLimitGB,
		Status:           model.StatusActive,
		SubscriptionLink: tasks.SubscriptionURL(s.PublicBaseURL, id),
		CreatedBy:        createdBy,
	}
	if err := s.Repo.CreateService(ctx, svc); err != nil {
		if errors.Is(err, state.ErrConflict) {
			return nil, conflict("service uuid already exists")
		}
		return nil, internal("create service", err)
	}
	if err := s.Subs.WritePlaceholder(id); err != nil {
		return nil, internal("write placeholder subscription", err)
	}

	taskID, err := s.enqueue(ctx, taskqueue.BuildConfigsPayload{ServiceUUID: id}, taskqueue.PriorityService)
	if err != nil {
		// The row stays; reconciliation provisions it later.
		log.Printf("[service] service %s created without build task: %v", id, err)
		return nil, err
	}
	log.Printf("[service] created service %s (%s), build task %s", id, protocol, taskID)
	return &CreateServiceResult{Service: serviceToResponse(*svc), TaskID: taskID}, nil
}

var servicePatchAllowedFields = map[string]bool{
	"data_limit_gb": true,
	"end_date":      true,
	"duration_days": true,
}

// UpdateService validates a limits patch and enqueues update_service.
// duration_days counts from now and is exclusive with end_date.
func (s *ControlPlaneService) UpdateService(ctx context.Context, serviceUUID string, patchJSON json.RawMessage) (*TaskAccepted, error) {
	patch, verr := parseMergePatch(patchJSON)
	if verr != nil {
		return nil, verr
	}
	if verr := patch.validateFields(servicePatchAllowedFields, func(key string) string {
		return fmt.Sprintf("field %q is read-only or unknown", key)
	}); verr != nil {
		return nil, verr
	}

	payload := taskqueue.UpdateServicePayload{ServiceUUID: serviceUUID}
	if v, ok, err := patch.optionalNonNegativeNumber("data_limit_gb"); err != nil {
		return nil, err
	} else if ok {
		payload.DataLimitGB = &v
	}
	endDate, hasEnd, err := patch.optionalTimestamp("end_date")
	if err != nil {
		return nil, err
	}
	days, hasDays, err := patch.optionalNonNegativeNumber("duration_days")
	if err != nil {
		return nil, err
	}
	switch {
	case hasEnd && hasDays:
		return nil, invalidArg("end_date and duration_days are mutually exclusive")
	case hasEnd:
		payload.EndDate = &endDate
	case hasDays:
		end, verr := daysFrom("duration_days", s.now(), days)
		if verr != nil {
			return nil, verr
		}
		payload.EndDate = &end
	}

	if _, err := s.getServiceModel(ctx, serviceUUID); err != nil {
		return nil, err
	}
	taskID, err2 := s.enqueue(ctx, payload, taskqueue.PriorityService)
	if err2 != nil {
		return nil, err2
	}
	return &TaskAccepted{TaskID: taskID}, nil
}

// DeleteService enqueues the teardown of a service.
func (s *ControlPlaneService) DeleteService(ctx context.Context, serviceUUID string) (*TaskAccepted, error) {
	if _, err := s.getServiceModel(ctx, serviceUUID); err != nil {
		return nil, err
	}
	taskID, err := s.enqueue(ctx, taskqueue.DeleteServicePayload{ServiceUUID: serviceUUID}, taskqueue.PriorityService)
	if err != nil {
		return nil, err
	}
	return &TaskAccepted{TaskID: taskID}, nil
}

// DeleteInactiveResult lists the delete tasks enqueued for non-active
// services.
type DeleteInactiveResult struct {
	Count   int      `json:"count"`
	TaskIDs []string `json:"task_ids"`
}

// DeleteInactiveServices enqueues delete_service for every expired or
// limit-reached service.
func (s *ControlPlaneService) DeleteInactiveServices(ctx context.Context) (*DeleteInactiveResult, error) {
	services, err := s.Repo.ListServices(ctx)
	if err != nil {
		return nil, internal("list services", err)
	}
	res := &DeleteInactiveResult{TaskIDs: []string{}}
	for _, svc := range services {
		if svc.Status == model.StatusActive {
			continue
		}
		taskID, err := s.enqueue(ctx, taskqueue.DeleteServicePayload{ServiceUUID: svc.UUID}, taskqueue.PriorityService)
		if err != nil {
			return res, err
		}
		res.TaskIDs = append(res.TaskIDs, taskID)
		res.Count++
	}
	return res, nil
}

// ConfigResponse is one provisioned inbound of a service.
type ConfigResponse struct {
	PanelID        int64  `json:"panel_id"`
	Protocol       string `json:"protocol"`
	PanelInboundID int    `json:"panel_inbound_id"`
	Port           int    `json:"port"`
	Remark         string `json:"remark"`
	Link           string `json:"link"`
	CreatedAt      string `json:"created_at"`
}

// ServiceStats summarizes what a service has left.
type ServiceStats struct {
	UUID   string `json:"uuid"`
	Status string `json:"status"`
	// RemainingGB is nil for an unlimited quota.
	RemainingGB *float64 `json:"remaining_gb"`
	// RemainingDays is nil for a service without end date.
	RemainingDays *int                    `json:"remaining_days"`
	DataUsedGB    float64                 `json:"data_used_gb"`
	Configs       []ConfigResponse        `json:"configs"`
	Endpoints     []subscription.Endpoint `json:"endpoints"`
}

// GetServiceStats returns remaining quota and days, the stored configs and
// the endpoints currently published in the subscription file.
func (s *ControlPlaneService) GetServiceStats(ctx context.Context, serviceUUID string) (*ServiceStats, error) {
	svc, err := s.getServiceModel(ctx, serviceUUID)
	if err != nil {
		return nil, err
	}
	st := &ServiceStats{
		UUID:       svc.UUID,
		Status:     string(svc.Status),
		DataUsedGB: svc.DataUsedGB,
		Configs:    []ConfigResponse{},
		Endpoints:  []subscription.Endpoint{},
	}
	if svc.DataLimitGB > 0 {
		remaining := math.Round(math.Max(svc.DataLimitGB-svc.DataUsedGB, 0)*100) / 100
		st.RemainingGB = &remaining
	}
	if svc.EndAtNs > 0 {
		days := 0
		if left := svc.EndAt().Sub(s.now()); left > 0 {
			days = int(left / (24 * time.Hour))
		}
		st.RemainingDays = &days
	}

	configs, err := s.Repo.ListConfigsByService(ctx, svc.ID)
	if err != nil {
		return nil, internal("list configs", err)
	}
	for _, c := range configs {
		st.Configs = append(st.Configs, ConfigResponse{
			PanelID:        c.PanelID,
			Protocol:       string(c.Protocol),
			PanelInboundID: c.PanelInboundID,
			Port:           c.Port,
			Remark:         c.Remark,
			Link:           c.ConfigLink,
			CreatedAt:      formatNs(c.CreatedAtNs),
		})
	}

	links, err := s.Subs.Read(svc.UUID)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, internal("read subscription", err)
	}
	for _, link := range links {
		ep, err := subscription.ParseLink(link)
		if err != nil {
			log.Printf("[service] %s: unparsable subscription link: %v", svc.UUID, err)
			continue
		}
		st.Endpoints = append(st.Endpoints, ep)
	}
	return st, nil
}

// SubscriptionFile is a published subscription with its client usage header.
type SubscriptionFile struct {
	Content []byte
	// UserInfo is the value of the Subscription-Userinfo header understood by
	// common proxy clients.
	UserInfo string
}

// GetSubscriptionFile reads the published file of a service.
func (s *ControlPlaneService) GetSubscriptionFile(ctx context.Context, serviceUUID string) (*SubscriptionFile, error) {
	svc, err := s.getServiceModel(ctx, serviceUUID)
	if err != nil {
		return nil, err
	}
	path, err := s.Subs.Path(svc.UUID)
	if err != nil {
		return nil, invalidArg(err.Error())
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound("subscription not found")
		}
		return nil, internal("read subscription", err)
	}
	expire := int64(0)
	if svc.EndAtNs > 0 {
		expire = svc.EndAt().Unix()
	}
	info := fmt.Sprintf("upload=0; download=%d; total=%d; expire=%d",
		int64(svc.DataUsedGB*model.BytesPerGB), svc.LimitBytes(), expire)
	return &SubscriptionFile{Content: content, UserInfo: info}, nil
}
