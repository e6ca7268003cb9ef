package subscription

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Endpoint is the public part of a share link.
type Endpoint struct {
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Remark   string `json:"remark"`
}

// ParseLink extracts the endpoint of a vless:// or ss:// share link.
func ParseLink(link string) (Endpoint, error) {
	link = strings.TrimSpace(link)
	scheme, _, _ := strings.Cut(link, "://")
	switch strings.ToLower(scheme) {
	case "vless":
		return parseVlessURI(link)
	case "ss":
		return parseSSURI(link)
	}
	return Endpoint{}, fmt.Errorf("unsupported link scheme %q", scheme)
}

func parseVlessURI(uri string) (Endpoint, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse vless link: %w", err)
	}
	id := strings.TrimSpace(u.User.Username())
	server := strings.TrimSpace(u.Hostname())
	if id == "" || server == "" {
		return Endpoint{}, fmt.Errorf("vless link without id or host")
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return Endpoint{}, fmt.Errorf("vless link port: %w", err)
	}
	return Endpoint{Protocol: "vless", Host: server, Port: port, Remark: decodeTag(u.Fragment)}, nil
}

func parseSSURI(uri string) (Endpoint, error) {
	raw := strings.TrimSpace(uri[len("ss://"):])
	beforeFragment, fragment, _ := strings.Cut(raw, "#")
	beforeQuery, _, _ := strings.Cut(beforeFragment, "?")

	at := strings.LastIndex(beforeQuery, "@")
	if at <= 0 || at >= len(beforeQuery)-1 {
		return Endpoint{}, fmt.Errorf("ss link without userinfo or host")
	}
	if _, _, ok := parseSSMethodPassword(beforeQuery[:at]); !ok {
		return Endpoint{}, fmt.Errorf("ss link userinfo is not method:password")
	}
	server, port, ok := parseHostPort(beforeQuery[at+1:])
	if !ok {
		return Endpoint{}, fmt.Errorf("ss link host:port is invalid")
	}
	return Endpoint{Protocol: "shadowsocks", Host: server, Port: port, Remark: decodeTag(fragment)}, nil
}

func parseSSMethodPassword(input string) (string, string, bool) {
	if method, password, ok := strings.Cut(input, ":"); ok {
		method = strings.TrimSpace(method)
		password = strings.TrimSpace(password)
		if method != "" && password != "" {
			return method, password, true
		}
	}

	decoded, ok := decodeBase64Relaxed(strings.TrimSpace(input))
	if !ok || !utf8.Valid(decoded) {
		return "", "", false
	}
	method, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", false
	}
	method = strings.TrimSpace(method)
	password = strings.TrimSpace(password)
	if method == "" || password == "" {
		return "", "", false
	}
	return method, password, true
}

func parseHostPort(hostport string) (string, int, bool) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(hostport))
	if err != nil {
		return "", 0, false
	}
	parsedPort, err := strconv.ParseUint(strings.TrimSpace(port), 10, 16)
	if err != nil {
		return "", 0, false
	}
	host = strings.TrimSpace(strings.Trim(host, "[]"))
	if host == "" {
		return "", 0, false
	}
	return host, int(parsedPort), true
}

func decodeTag(fragment string) string {
	if fragment == "" {
		return ""
	}
	decoded, err := url.QueryUnescape(fragment)
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	return strings.TrimSpace(decoded)
}
