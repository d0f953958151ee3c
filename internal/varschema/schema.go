// internal/varschema/schema.go
package varschema

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

type VarType string

const (
	TString VarType = "string"
	TInt    VarType = "int"
	TList   VarType = "list" // comma-separated
	TIPv4   VarType = "ipv4"
	TCIDR   VarType = "cidr"
	TKey    VarType = "wgkey"
)

type VarDef struct {
	Key      string
	Type     VarType
	Example  string
	Validate func(string) (string, error) // нормализация/проверка одного значения
	Required bool
}

/* ——— validators ——— */

var reHostname = regexp.MustCompile(`^(?i:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?)(?:\.(?i:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?))*$`)

func normHost(v string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(v))
	if ip := net.ParseIP(s); ip != nil {
		return ip.String(), nil
	}
	if s == "" || len(s) > 253 || !reHostname.MatchString(s) {
		return "", fmt.Errorf("invalid hostname")
	}
	return s, nil
}

func normInt(min, max int) func(string) (string, error) {
	return func(v string) (string, error) {
		s := strings.TrimSpace(v)
		n, err := strconv.Atoi(s)
		if err != nil {
			return "", err
		}
		if n < min || n > max {
			return "", fmt.Errorf("int out of range [%d..%d]", min, max)
		}
		return strconv.Itoa(n), nil
	}
}

func normIPv4(v string) (string, error) {
	ip := net.ParseIP(strings.TrimSpace(v))
	if ip == nil || ip.To4() == nil {
		return "", errors.New("invalid ipv4")
	}
	return ip.To4().String(), nil
}

// адрес интерфейса: "10.8.0.2" или "10.8.0.2/32"
func normAddress(v string) (string, error) {
	s := strings.TrimSpace(v)
	if ip, nw, err := net.ParseCIDR(s); err == nil {
		if ip.To4() == nil {
			return "", errors.New("invalid ipv4 address")
		}
		ones, _ := nw.Mask.Size()
		return fmt.Sprintf("%s/%d", ip.To4(), ones), nil
	}
	ip, err := normIPv4(s)
	if err != nil {
		return "", err
	}
	return ip + "/32", nil
}

func normCIDRv4(v string) (string, error) {
	ip, nw, err := net.ParseCIDR(strings.TrimSpace(v))
	if err != nil {
		return "", err
	}
	if ip.To4() == nil {
		return "", errors.New("only ipv4 pools are supported")
	}
	if ones, _ := nw.Mask.Size(); ones > 30 {
		return "", errors.New("prefix too small for a pool (max /30)")
	}
	return nw.String(), nil
}

func normIPv4List(v string) (string, error) {
	s := strings.TrimSpace(v)
	if s == "" {
		return "", errors.New("empty list")
	}
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		ip, err := normIPv4(p)
		if err != nil {
			return "", fmt.Errorf("%s: %w", p, err)
		}
		out = append(out, ip)
	}
	if len(out) == 0 {
		return "", errors.New("empty list")
	}
	return strings.Join(out, ", "), nil
}

// WireGuard-ключ: base64 от 32 байт
func normWGKey(v string) (string, error) {
	s := strings.TrimSpace(v)
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return "", errors.New("invalid wireguard key")
	}
	return s, nil
}

/* ——— catalog ——— */

// Переменные экспорта туннеля (.conf) и настроек пула.
var Catalog = []VarDef{
	{Key: "private_key", Type: TKey, Example: "yAnz5TF+lXXJte14tji3zlMNq+hd2rYUIgJBgB3fBmk=", Validate: normWGKey, Required: true},
	{Key: "address", Type: TCIDR, Example: "10.8.0.2/32", Validate: normAddress, Required: true},
	{Key: "dns", Type: TList, Example: "1.1.1.1,1.0.0.1", Validate: normIPv4List},
	{Key: "mtu", Type: TInt, Example: "1420", Validate: normInt(1280, 1500)},
	{Key: "server_public_key", Type: TKey, Example: "xTIBA5rboUvnH4htodjb6e697QjLERt1NAB4mZqp8Dg=", Validate: normWGKey, Required: true},
	{Key: "allowed_ips", Type: TString, Example: "0.0.0.0/0", Validate: func(s string) (string, error) {
		s = strings.TrimSpace(s)
		if s == "" {
			return "", errors.New("empty allowed ips")
		}
		return s, nil
	}, Required: true},
	{Key: "endpoint", Type: TString, Example: "mesh-01.example.net", Validate: normHost, Required: true},
	{Key: "wg_port", Type: TInt, Example: "51820", Validate: normInt(1, 65535), Required: true},
	{Key: "keepalive", Type: TInt, Example: "25", Validate: normInt(0, 65535)},
	{Key: "cidr", Type: TCIDR, Example: "10.8.0.0/24", Validate: normCIDRv4},
}

/* ——— registry ——— */

var byKey map[string]VarDef

func init() {
	byKey = make(map[string]VarDef, len(Catalog))
	for _, d := range Catalog {
		byKey[d.Key] = d
	}
}

func Def(key string) (VarDef, bool) { d, ok := byKey[key]; return d, ok }

// ValidateOne validates and normalizes a single var by key.
func ValidateOne(key, value string) (string, error) {
	if def, ok := Def(key); ok {
		return def.Validate(value)
	}
	return "", fmt.Errorf("unknown variable: %s", key)
}

// NormalizeAll проверяет обязательные переменные и нормализует все известные.
// Пустые необязательные значения пропускаются.
func NormalizeAll(vars map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(vars))
	missing := []string{}
	for _, d := range Catalog {
		v, ok := vars[d.Key]
		if !ok || strings.TrimSpace(v) == "" {
			if d.Required {
				missing = append(missing, d.Key)
			}
			continue
		}
		nv, err := d.Validate(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.Key, err)
		}
		out[d.Key] = nv
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required vars: %v", missing)
	}
	return out, nil
}
