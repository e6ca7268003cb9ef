// Package model defines domain structs shared across the persistence layer.
package model

import "time"

// ServiceStatus is the lifecycle state of a managed service.
type ServiceStatus string

const (
	StatusActive       ServiceStatus = "active"
	StatusExpired      ServiceStatus = "expired"
	StatusLimitReached ServiceStatus = "limit_reached"
)

// IsValid reports whether s is a known status.
func (s ServiceStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusExpired, StatusLimitReached:
		return true
	}
	return false
}

// Protocol is the proxy protocol a service is provisioned with.
type Protocol string

const (
	ProtocolVLESS       Protocol = "vless"
	ProtocolShadowsocks Protocol = "shadowsocks"
	// ProtocolMixed provisions one vless and one shadowsocks inbound per panel.
	ProtocolMixed Protocol = "mixed"
)

// IsValid reports whether p is a known protocol.
func (p Protocol) IsValid() bool {
	switch p {
	case ProtocolVLESS, ProtocolShadowsocks, ProtocolMixed:
		return true
	}
	return false
}

// Inbounds expands p into the concrete inbound protocols it requires.
func (p Protocol) Inbounds() []Protocol {
	switch p {
	case ProtocolVLESS, ProtocolShadowsocks:
		return []Protocol{p}
	case ProtocolMixed:
		return []Protocol{ProtocolVLESS, ProtocolShadowsocks}
	}
	return nil
}

// BytesPerGB converts the GB quota unit used by services into bytes.
const BytesPerGB = 1024 * 1024 * 1024

// Service is a managed proxy product mapped to inbounds across all panels.
type Service struct {
	ID               int64         `json:"id"`
	UUID             string        `json:"uuid"`
	Name             string        `json:"name"`
	Protocol         Protocol      `json:"protocol"`
	StartAtNs        int64         `json:"start_at_ns"`
	EndAtNs          int64         `json:"end_at_ns"`
	DataLimitGB      float64       `json:"data_limit_gb"`
	DataUsedGB       float64       `json:"data_used_gb"`
	Status           ServiceStatus `json:"status"`
	SubscriptionLink string        `json:"subscription_link"`
	CreatedBy        string        `json:"created_by"`
	CreatedAtNs      int64         `json:"created_at_ns"`
	UpdatedAtNs      int64         `json:"updated_at_ns"`
}

// EndAt returns the expiry instant.
func (s Service) EndAt() time.Time { return time.Unix(0, s.EndAtNs) }

// LimitBytes returns the data quota in bytes.
func (s Service) LimitBytes() int64 { return int64(s.DataLimitGB * BytesPerGB) }

// Panel is a registered remote x-ui panel.
type Panel struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	URL          string `json:"url"`
	Username     string `json:"username"`
	Password     string `json:"-"`
	Domain       string `json:"domain"`
	RemarkPrefix string `json:"remark_prefix"`
	CreatedAtNs  int64  `json:"created_at_ns"`
	UpdatedAtNs  int64  `json:"updated_at_ns"`
}

// PanelConfig links a service to one remote inbound on one panel.
type PanelConfig struct {
	ID             int64    `json:"id"`
	ServiceID      int64    `json:"service_id"`
	PanelID        int64    `json:"panel_id"`
	Protocol       Protocol `json:"protocol"`
	PanelInboundID int      `json:"panel_inbound_id"`
	Port           int      `json:"port"`
	Remark         string   `json:"remark"`
	ConfigLink     string   `json:"config_link"`
	CreatedAtNs    int64    `json:"created_at_ns"`
}
