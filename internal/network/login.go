package network

import (
	"strings"
	"sync"

	"github.com/hitoshi/subsync/internal/model"
)

// LoginManager はログインが必要なドメインと、その認証Cookieを管理する。
type LoginManager struct {
	mu       sync.RWMutex
	required map[string]bool
	cookies  map[string]string
}

// NewLoginManager はLoginManagerを生成する。
// cookiesはドメインからCookieヘッダー値へのマップ。
func NewLoginManager(requiredDomains []string, cookies map[string]string) *LoginManager {
	m := &LoginManager{
		required: make(map[string]bool),
		cookies:  make(map[string]string),
	}
	for _, d := range requiredDomains {
		d = normalizeDomain(d)
		if d != "" {
			m.required[d] = true
		}
	}
	for d, c := range cookies {
		m.cookies[normalizeDomain(d)] = c
	}
	return m
}

// SetCookie はドメインの認証Cookieを設定する。
func (m *LoginManager) SetCookie(domain, cookie string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cookies[normalizeDomain(domain)] = cookie
}

// NeedsLogin はhostがログイン必須ドメインに属するかを返す。
func (m *LoginManager) NeedsLogin(host string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := matchDomain(m.required, host)
	return ok
}

// CheckCanLogin はhostにログインが必要で、認証Cookieがない場合にエラーを返す。
func (m *LoginManager) CheckCanLogin(host string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	domain, ok := matchDomain(m.required, host)
	if !ok {
		return nil
	}
	if c, found := matchDomain(m.cookies, host); !found || m.cookies[c] == "" {
		return &model.LoginError{Domain: domain, Reason: "no credentials are configured"}
	}
	return nil
}

// Cookie はhostに送るCookieヘッダー値を返す。
func (m *LoginManager) Cookie(host string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := matchDomain(m.cookies, host)
	if !ok {
		return "", false
	}
	return m.cookies[d], true
}

// matchDomain はhost自身またはその親ドメインのうち、mに含まれるものを返す。
func matchDomain[V any](m map[string]V, host string) (string, bool) {
	host = normalizeDomain(host)
	for host != "" {
		if _, ok := m[host]; ok {
			return host, true
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			break
		}
		host = host[i+1:]
	}
	return "", false
}

func normalizeDomain(d string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "www.")
}
