package xui

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/panelfleet/panelfleet/internal/model"
)

// ShadowsocksMethod is the cipher used for every shadowsocks inbound.
const ShadowsocksMethod = "chacha20-ietf-poly1305"

// Inbound is one proxy listener as reported by /panel/inbound/list.
// Settings, StreamSettings and Sniffing are JSON documents encoded as strings.
type Inbound struct {
	ID             int    `json:"id"`
	Up             int64  `json:"up"`
	Down           int64  `json:"down"`
	Total          int64  `json:"total"`
	Remark         string `json:"remark"`
	Enable         bool   `json:"enable"`
	ExpiryTime     int64  `json:"expiryTime"`
	Listen         string `json:"listen"`
	Port           int    `json:"port"`
	Protocol       string `json:"protocol"`
	Settings       string `json:"settings"`
	StreamSettings string `json:"streamSettings"`
	Sniffing       string `json:"sniffing"`
	Tag            string `json:"tag,omitempty"`
}

// Traffic is an aggregate byte count.
type Traffic struct {
	Up   int64 `json:"up"`
	Down int64 `json:"down"`
}

// Total returns Up+Down.
func (t Traffic) Total() int64 { return t.Up + t.Down }

// CreateRequest describes an inbound to provision.
type CreateRequest struct {
	Protocol model.Protocol
	Remark   string
	Port     int
	// Domain is the public host used in the returned link.
	Domain string
	// ClientID is the vless client uuid. A random one is used when empty.
	ClientID string
	// ExpiryTime is a unix timestamp in milliseconds; 0 means never.
	ExpiryTime int64
	// TotalBytes is the traffic quota; 0 means unlimited.
	TotalBytes int64
}

// Created is the outcome of CreateInbound.
type Created struct {
	InboundID int
	Port      int
	Link      string
}

type vlessClient struct {
	ID         string `json:"id"`
	Flow       string `json:"flow"`
	Email      string `json:"email"`
	LimitIP    int    `json:"limitIp"`
	TotalGB    int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
	TgID       string `json:"tgId"`
	SubID      string `json:"subId"`
}

type vlessSettings struct {
	Clients    []vlessClient `json:"clients"`
	Decryption string        `json:"decryption"`
	Fallbacks  []any         `json:"fallbacks"`
}

type shadowsocksClient struct {
	Method     string `json:"method"`
	Password   string `json:"password"`
	Email      string `json:"email"`
	TotalGB    int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
}

type shadowsocksSettings struct {
	Method   string              `json:"method"`
	Password string              `json:"password"`
	Network  string              `json:"network"`
	Clients  []shadowsocksClient `json:"clients"`
}

var defaultSniffing = `{"enabled":true,"destOverride":["http","tls","quic","fakedns"]}`

var vlessStreamSettings = `{"network":"tcp","security":"none","tcpSettings":{"header":{"type":"http",` +
	`"request":{"version":"1.1","method":"GET","path":["/"],"headers":{}},` +
	`"response":{"version":"1.1","status":"200","reason":"OK","headers":{}}}}}`

var shadowsocksStreamSettings = `{"network":"tcp","security":"none","tcpSettings":{"header":{"type":"none"}}}`

// addForm renders the /panel/inbound/add form body for req.
func addForm(req CreateRequest, clientID string) (url.Values, error) {
	var settings any
	var stream string
	switch req.Protocol {
	case model.ProtocolVLESS:
		settings = vlessSettings{
			Clients: []vlessClient{{
				ID:         clientID,
				Email:      req.Remark,
				TotalGB:    req.TotalBytes,
				ExpiryTime: req.ExpiryTime,
				Enable:     true,
			}},
			Decryption: "none",
			Fallbacks:  []any{},
		}
		stream = vlessStreamSettings
	case model.ProtocolShadowsocks:
		serverPassword, err := randomPassword()
		if err != nil {
			return nil, err
		}
		clientPassword, err := randomPassword()
		if err != nil {
			return nil, err
		}
		settings = shadowsocksSettings{
			Method:   ShadowsocksMethod,
			Password: serverPassword,
			Network:  "tcp,udp",
			Clients: []shadowsocksClient{{
				Method:     ShadowsocksMethod,
				Password:   clientPassword,
				Email:      req.Remark,
				TotalGB:    req.TotalBytes,
				ExpiryTime: req.ExpiryTime,
				Enable:     true,
			}},
		}
		stream = shadowsocksStreamSettings
	default:
		return nil, fmt.Errorf("unsupported protocol %q", req.Protocol)
	}

	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}
	form := url.Values{}
	form.Set("remark", req.Remark)
	form.Set("port", strconv.Itoa(req.Port))
	form.Set("protocol", string(req.Protocol))
	form.Set("enable", "true")
	form.Set("expiryTime", strconv.FormatInt(req.ExpiryTime, 10))
	form.Set("total", strconv.FormatInt(req.TotalBytes, 10))
	form.Set("listen", "")
	form.Set("settings", string(raw))
	form.Set("streamSettings", stream)
	form.Set("sniffing", defaultSniffing)
	return form, nil
}

func randomPassword() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// rewriteClients applies fn to every client object in a settings document,
// keeping fields this package does not know about.
func rewriteClients(settingsJSON string, fn func(client map[string]any)) (string, error) {
	if settingsJSON == "" {
		settingsJSON = "{}"
	}
	var settings map[string]any
	if err := json.Unmarshal([]byte(settingsJSON), &settings); err != nil {
		return "", fmt.Errorf("parse settings: %w", err)
	}
	clients, _ := settings["clients"].([]any)
	for _, c := range clients {
		if client, ok := c.(map[string]any); ok {
			fn(client)
		}
	}
	out, err := json.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("marshal settings: %w", err)
	}
	return string(out), nil
}

// firstClient returns the first client object of a settings document.
func firstClient(settingsJSON string) (map[string]any, error) {
	var settings struct {
		Clients []map[string]any `json:"clients"`
	}
	if err := json.Unmarshal([]byte(settingsJSON), &settings); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if len(settings.Clients) == 0 {
		return nil, fmt.Errorf("settings contain no clients")
	}
	return settings.Clients[0], nil
}

// updateBody renders the JSON body for /panel/inbound/update/{id}, carrying
// over every field of in that the caller did not change.
func updateBody(in Inbound) map[string]any {
	return map[string]any{
		"id":             in.ID,
		"up":             in.Up,
		"down":           in.Down,
		"enable":         in.Enable,
		"remark":         in.Remark,
		"expiryTime":     in.ExpiryTime,
		"total":          in.Total,
		"settings":       in.Settings,
		"streamSettings": in.StreamSettings,
		"port":           in.Port,
		"protocol":       in.Protocol,
		"sniffing":       in.Sniffing,
		"listen":         in.Listen,
	}
}
