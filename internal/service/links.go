package service

import (
	"net/url"
	"strconv"

	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
)

// obfuscatedPrefix asks Telegram clients for the padded-intermediate
// transport.
const obfuscatedPrefix = "dd"

// GenerateLinks turns proxies into shareable tg:// URIs. It performs no I/O.
func GenerateLinks(proxies []models.Proxy) []models.ProxyLink {
	links := make([]models.ProxyLink, 0, len(proxies))
	for _, p := range proxies {
		links = append(links, models.ProxyLink{
			NodeID:   p.NodeID,
			NodeName: p.NodeName,
			Kind:     p.Kind,
			URL:      proxyURL(p),
		})
	}
	return links
}

func proxyURL(p models.Proxy) string {
	q := url.Values{}
	q.Set("server", p.Server)
	q.Set("port", strconv.Itoa(p.Port))

	if p.Kind == models.RelaySocks5 {
		q.Set("user", p.Username)
		q.Set("pass", p.Password)
		return "tg://socks?" + encodeOrdered(q, "server", "port", "user", "pass")
	}

	secret := p.Secret
	if p.Obfuscated {
		secret = obfuscatedPrefix + secret
	}
	q.Set("secret", secret)
	return "tg://proxy?" + encodeOrdered(q, "server", "port", "secret")
}

// encodeOrdered keeps the parameter order clients display.
func encodeOrdered(q url.Values, keys ...string) string {
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += "&"
		}
		out += k + "=" + url.QueryEscape(q.Get(k))
	}
	return out
}

func mtprotoProxy(node *models.Node, secret string, obfuscated bool) models.Proxy {
	return models.Proxy{
		Kind:       models.RelayMTProto,
		NodeID:     node.ID,
		NodeName:   node.Name,
		Server:     node.Host,
		Port:       node.MTProtoPort,
		Secret:     secret,
		Obfuscated: obfuscated,
	}
}

func socks5Proxy(node *models.Node, username, password string) models.Proxy {
	return models.Proxy{
		Kind:     models.RelaySocks5,
		NodeID:   node.ID,
		NodeName: node.Name,
		Server:   node.Host,
		Port:     node.Socks5Port,
		Username: username,
		Password: password,
	}
}
