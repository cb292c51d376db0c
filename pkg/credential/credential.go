// Package credential описывает учетные данные SIP аккаунта и способы их получения:
// из подписанного токена (JWT) или из статической конфигурации.
package credential

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

var (
	// ErrMalformedToken токен не разбирается как JWT
	ErrMalformedToken = errors.New("некорректный JWT токен")
	// ErrInvalidCredential не хватает обязательных полей
	ErrInvalidCredential = errors.New("некорректные учетные данные")
)

// Credential учетные данные SIP аккаунта. Значение неизменяемо после получения.
type Credential struct {
	Domain     string `json:"domain"`
	Port       int    `json:"port"`
	Peer       string `json:"peer"`
	Password   string `json:"password"`
	BackendURL string `json:"backendUrl"`
}

// Claims payload токена аккаунта
type Claims struct {
	Domain     string `json:"domain"`
	Port       int    `json:"port"`
	Peer       string `json:"peer"`
	Password   string `json:"password"`
	BackendURL string `json:"backendUrl"`
	jwt.RegisteredClaims
}

// Credential учетные данные из claims
func (c Claims) Credential() Credential {
	return Credential{
		Domain:     c.Domain,
		Port:       c.Port,
		Peer:       c.Peer,
		Password:   c.Password,
		BackendURL: strings.TrimRight(c.BackendURL, "/"),
	}
}

// Static статически сконфигурированные учетные данные
type Static struct {
	Domain   string `json:"domain"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	PabxURL  string `json:"pabxUrl"`
}

// Validate проверяет обязательные поля
func (c Credential) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Domain) == "" {
		missing = append(missing, "domain")
	}
	if strings.TrimSpace(c.Peer) == "" {
		missing = append(missing, "peer")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: не заданы %s", ErrInvalidCredential, strings.Join(missing, ", "))
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: порт %d вне диапазона", ErrInvalidCredential, c.Port)
	}
	return nil
}

// SIPURI адрес аккаунта sip:peer@domain
func (c Credential) SIPURI() string {
	return fmt.Sprintf("sip:%s@%s", c.Peer, c.Domain)
}

// TargetURI переводит номер в SIP URI домена аккаунта. Уже готовый
// sip:/sips: URI возвращается без изменений.
func (c Credential) TargetURI(number string) string {
	number = strings.TrimSpace(number)
	if strings.HasPrefix(number, "sip:") || strings.HasPrefix(number, "sips:") {
		return number
	}
	return fmt.Sprintf("sip:%s@%s", number, c.Domain)
}

// HostPort адрес SIP сервера host:port
func (c Credential) HostPort() string {
	return c.Domain + ":" + strconv.Itoa(c.Port)
}

// String не раскрывает пароль
func (c Credential) String() string {
	return fmt.Sprintf("%s (backend %s)", c.SIPURI(), c.BackendURL)
}

// FromStatic приводит статическую конфигурацию к Credential
func FromStatic(s Static) (Credential, error) {
	c := Credential{
		Domain:     s.Domain,
		Port:       s.Port,
		Peer:       s.Username,
		Password:   s.Password,
		BackendURL: strings.TrimRight(s.PabxURL, "/"),
	}
	if err := c.Validate(); err != nil {
		return Credential{}, err
	}
	return c, nil
}

// FromJWT извлекает учетные данные из payload токена. Подпись не проверяется:
// токен выдан бэкендом и используется только как контейнер настроек,
// авторизация происходит на стороне бэкенда при запросе call-token.
func FromJWT(token string) (Credential, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), &claims); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	c := claims.Credential()
	if err := c.Validate(); err != nil {
		return Credential{}, err
	}
	return c, nil
}
