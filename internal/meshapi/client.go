// Package meshapi — исходящие вызовы на mesh-серверы (WireGuard-пиры, VLESS-пользователи).
package meshapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"orbmesh/internal/apperr"
	"orbmesh/internal/logs"
	"orbmesh/internal/models"

	"github.com/sirupsen/logrus"
)

const (
	DefaultPort    = 8443
	DefaultTimeout = 10 * time.Second
)

// KeySource расшифровывает API-ключ сервера (meshsrv.Registry).
type KeySource interface {
	APIKey(s *models.MeshServer) (string, error)
}

type Options struct {
	Port               int
	Timeout            time.Duration
	InsecureSkipVerify bool
	Scheme             string
}

type Client struct {
	keys KeySource
	http *http.Client
	opts Options
}

func New(keys KeySource, o Options) *Client {
	if o.Port <= 0 {
		o.Port = DefaultPort
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Scheme == "" {
		o.Scheme = "https"
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if o.InsecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed device certs
	}
	return &Client{keys: keys, http: &http.Client{Transport: tr}, opts: o}
}

type Peer struct {
	UserUUID   string `json:"userUuid"`
	PublicKey  string `json:"publicKey"`
	AllowedIPs string `json:"allowedIPs"`
}

type VlessUser struct {
	UserUUID  string `json:"userUuid"`
	VlessUUID string `json:"vlessUuid"`
}

func (c *Client) baseURL(s *models.MeshServer) string {
	return fmt.Sprintf("%s://%s", c.opts.Scheme, net.JoinHostPort(s.Endpoint, strconv.Itoa(c.opts.Port)))
}

func (c *Client) do(ctx context.Context, s *models.MeshServer, method, path string, in, out any) error {
	key, err := c.keys.APIKey(s)
	if err != nil {
		return apperr.Wrap(apperr.ErrRemoteSync, err, "server api key unavailable")
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL(s)+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	log := logs.Component("meshapi").WithFields(logrus.Fields{"server_id": s.ID, "method": method, "path": path})
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		log.WithError(err).Warn("mesh call failed")
		return apperr.Wrap(apperr.ErrRemoteSync, err, "mesh server unreachable")
	}
	defer resp.Body.Close()
	log = log.WithFields(logrus.Fields{"status": resp.StatusCode, "duration": time.Since(start)})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Warn("mesh call rejected")
		return apperr.E(apperr.ErrRemoteSync, fmt.Sprintf("mesh server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}
	log.Debug("mesh call ok")

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return apperr.Wrap(apperr.ErrRemoteSync, err, "decode mesh response")
	}
	return nil
}

// POST /wireguard/add-peer
func (c *Client) AddPeer(ctx context.Context, s *models.MeshServer, p Peer) error {
	return c.do(ctx, s, http.MethodPost, "/wireguard/add-peer", p, nil)
}

// POST /wireguard/remove-peer
func (c *Client) RemovePeer(ctx context.Context, s *models.MeshServer, p Peer) error {
	return c.do(ctx, s, http.MethodPost, "/wireguard/remove-peer", p, nil)
}

// AddUser — POST /vless/add-user. Сервер может ответить собственным vlessUuid, он авторитетен.
func (c *Client) AddUser(ctx context.Context, s *models.MeshServer, u VlessUser) (string, error) {
	var out struct {
		VlessUUID string `json:"vlessUuid"`
	}
	if err := c.do(ctx, s, http.MethodPost, "/vless/add-user", u, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.VlessUUID) != "" {
		return out.VlessUUID, nil
	}
	return u.VlessUUID, nil
}

// POST /vless/remove-user
func (c *Client) RemoveUser(ctx context.Context, s *models.MeshServer, u VlessUser) error {
	return c.do(ctx, s, http.MethodPost, "/vless/remove-user", u, nil)
}

// Peers — GET /wireguard/peers, для сверки.
func (c *Client) Peers(ctx context.Context, s *models.MeshServer) ([]Peer, error) {
	var out []Peer
	err := c.do(ctx, s, http.MethodGet, "/wireguard/peers", nil, &out)
	return out, err
}

// Users — GET /vless/users, для сверки.
func (c *Client) Users(ctx context.Context, s *models.MeshServer) ([]VlessUser, error) {
	var out []VlessUser
	err := c.do(ctx, s, http.MethodGet, "/vless/users", nil, &out)
	return out, err
}
