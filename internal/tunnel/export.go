package tunnel

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"text/template"

	"orbmesh/internal/apperr"
	"orbmesh/internal/models"
	"orbmesh/internal/policy"
	"orbmesh/internal/varschema"

	"github.com/skip2/go-qrcode"
)

// Обязательные поля — через .key (missingkey=error), необязательные — через index.
const wireGuardConf = `[Interface]
PrivateKey = {{.private_key}}
Address = {{.address}}
{{- with index . "dns"}}
DNS = {{.}}
{{- end}}
{{- with index . "mtu"}}
MTU = {{.}}
{{- end}}

[Peer]
PublicKey = {{.server_public_key}}
AllowedIPs = {{.allowed_ips}}
Endpoint = {{.endpoint_hostport}}
{{- with index . "keepalive"}}
PersistentKeepalive = {{.}}
{{- end}}
`

var confTpl = template.Must(template.New("wg").Option("missingkey=error").Parse(wireGuardConf))

const redactedKey = "<hidden: generate on device>"

type Export struct {
	Protocol string `json:"protocol"`
	Filename string `json:"filename"`
	Config   string `json:"config,omitempty"`
	Link     string `json:"link,omitempty"`
	QRCode   string `json:"qrCode"`
}

// Export — .conf (WireGuard) или vless:// ссылка плюс QR-код.
func (a *Allocator) Export(ctx context.Context, proto string, u policy.User, serverID uint) (*Export, error) {
	proto, err := validProto(proto)
	if err != nil {
		return nil, err
	}
	if !a.opts.ThirdPartyClients {
		return nil, apperr.E(apperr.ErrPolicyDenied, "third-party client export is disabled")
	}
	if err := validUser(u); err != nil {
		return nil, err
	}
	s, err := a.servers.Get(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if !s.Enabled {
		return nil, apperr.E(apperr.ErrBadRequest, "mesh server is disabled")
	}

	var out *Export
	if proto == models.ProtoWireGuard {
		c, err := a.findWireGuard(ctx, u.UUID, serverID)
		if err != nil {
			return nil, err
		}
		if c == nil || !c.Active {
			return nil, apperr.E(apperr.ErrNotFound, "no active wireguard config")
		}
		conf, err := a.renderWireGuard(s, c)
		if err != nil {
			return nil, err
		}
		out = &Export{Protocol: proto, Filename: fmt.Sprintf("orbmesh-%d.conf", s.ID), Config: conf}
	} else {
		c, err := a.findVless(ctx, u.UUID, serverID)
		if err != nil {
			return nil, err
		}
		if c == nil || !c.Active {
			return nil, apperr.E(apperr.ErrNotFound, "no active vless config")
		}
		out = &Export{Protocol: proto, Filename: fmt.Sprintf("orbmesh-%d.txt", s.ID), Link: a.vlessLink(s, c)}
	}

	payload := out.Config
	if payload == "" {
		payload = out.Link
	}
	qr, err := qrDataURL(payload, a.opts.QRSize)
	if err != nil {
		return nil, err
	}
	out.QRCode = qr
	return out, nil
}

func (a *Allocator) renderWireGuard(s *models.MeshServer, c *models.WireGuardConfig) (string, error) {
	port := s.WireGuardPort
	if port <= 0 {
		port = a.opts.WireGuardPort
	}
	vars := map[string]string{
		"private_key":       c.PrivateKey,
		"address":           c.AllocatedIP,
		"dns":               a.opts.DNS,
		"server_public_key": s.WireGuardPublicKey,
		"allowed_ips":       a.opts.AllowedIPs,
		"endpoint":          s.Endpoint,
		"wg_port":           strconv.Itoa(port),
	}
	if a.opts.MTU > 0 {
		vars["mtu"] = strconv.Itoa(a.opts.MTU)
	}
	if a.opts.Keepalive > 0 {
		vars["keepalive"] = strconv.Itoa(a.opts.Keepalive)
	}
	if !a.opts.ShowPrivateKeys || c.PrivateKey == "" {
		// ключ, сгенерированный на клиенте, у нас отсутствует; подставляем публичный только ради валидации
		vars["private_key"] = c.PublicKey
	}
	norm, err := varschema.NormalizeAll(vars)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrBadRequest, err, "cannot render wireguard config")
	}
	if !a.opts.ShowPrivateKeys || c.PrivateKey == "" {
		norm["private_key"] = redactedKey
	}
	norm["endpoint_hostport"] = net.JoinHostPort(norm["endpoint"], norm["wg_port"])

	var buf bytes.Buffer
	if err := confTpl.Execute(&buf, norm); err != nil {
		return "", fmt.Errorf("render wireguard config: %w", err)
	}
	return buf.String(), nil
}

// vlessLink — vless://uuid@host:port?params#name
func (a *Allocator) vlessLink(s *models.MeshServer, c *models.VlessConfig) string {
	q := url.Values{}
	q.Set("encryption", c.Encryption)
	q.Set("flow", c.Flow)
	q.Set("security", c.Security)
	q.Set("type", c.Transport)
	if s.RealityPublicKey != "" {
		q.Set("pbk", s.RealityPublicKey)
	}
	if s.RealityShortID != "" {
		q.Set("sid", s.RealityShortID)
	}
	if s.SNI != "" {
		q.Set("sni", s.SNI)
	}
	q.Set("fp", "chrome")
	u := url.URL{
		Scheme:   "vless",
		User:     url.User(c.VlessUUID),
		Host:     net.JoinHostPort(s.Endpoint, strconv.Itoa(a.opts.VlessPort)),
		RawQuery: q.Encode(),
		Fragment: s.Name,
	}
	return u.String()
}

func qrDataURL(content string, size int) (string, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, size)
	if err != nil {
		return "", fmt.Errorf("qr encode: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
