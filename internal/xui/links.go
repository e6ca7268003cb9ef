package xui

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/panelfleet/panelfleet/internal/model"
)

// VLESSLink renders a vless:// share link for a tcp+http-header inbound.
func VLESSLink(clientID, domain string, port int, remark string) string {
	return fmt.Sprintf("vless://%s@%s?type=tcp&security=none&headerType=http#%s",
		clientID, net.JoinHostPort(domain, strconv.Itoa(port)), url.PathEscape(remark))
}

// ShadowsocksLink renders an ss:// share link (SIP002 userinfo in base64).
func ShadowsocksLink(method, password, domain string, port int, remark string) string {
	userinfo := base64.StdEncoding.EncodeToString([]byte(method + ":" + password))
	return fmt.Sprintf("ss://%s@%s#%s",
		userinfo, net.JoinHostPort(domain, strconv.Itoa(port)), url.PathEscape(remark))
}

// BuildLink reconstructs the share link of a remote inbound from its first client.
func BuildLink(in Inbound, domain string) (string, error) {
	client, err := firstClient(in.Settings)
	if err != nil {
		return "", fmt.Errorf("inbound %d: %w", in.ID, err)
	}
	switch model.Protocol(in.Protocol) {
	case model.ProtocolVLESS:
		id, _ := client["id"].(string)
		if id == "" {
			return "", fmt.Errorf("inbound %d: vless client has no id", in.ID)
		}
		return VLESSLink(id, domain, in.Port, in.Remark), nil
	case model.ProtocolShadowsocks:
		password, _ := client["password"].(string)
		method, _ := client["method"].(string)
		if method == "" {
			method = ShadowsocksMethod
		}
		if password == "" {
			return "", fmt.Errorf("inbound %d: shadowsocks client has no password", in.ID)
		}
		return ShadowsocksLink(method, password, domain, in.Port, in.Remark), nil
	}
	return "", fmt.Errorf("inbound %d: link construction for protocol %q is not supported", in.ID, in.Protocol)
}
