// Package settings хранит пользовательские настройки софтфона: JWT
// аккаунта и флаг приема входящих вызовов.
package settings

import (
	"context"
	"errors"
	"strconv"
)

const (
	// KeyJWT ключ токена аккаунта
	KeyJWT = "jwt"
	// KeyIncomingCalls ключ флага приема входящих вызовов
	KeyIncomingCalls = "incomingCalls"
)

// ErrNoJWT токен не сохранен
var ErrNoJWT = errors.New("JWT не сохранен")

// Settings сохраненные настройки
type Settings struct {
	JWT           string `json:"jwt,omitempty"`
	IncomingCalls bool   `json:"incomingCalls"`
}

// Store хранилище настроек. Clear удаляет только JWT.
type Store interface {
	Load(ctx context.Context) (Settings, error)
	Save(ctx context.Context, s Settings) error
	Clear(ctx context.Context) error
	Close() error
}

// JWT возвращает сохраненный токен или ErrNoJWT
func JWT(ctx context.Context, st Store) (string, error) {
	s, err := st.Load(ctx)
	if err != nil {
		return "", err
	}
	if s.JWT == "" {
		return "", ErrNoJWT
	}
	return s.JWT, nil
}

func formatBool(v bool) []byte {
	return []byte(strconv.FormatBool(v))
}

// parseBool пустое или нечитаемое значение считается false
func parseBool(b []byte) bool {
	v, err := strconv.ParseBool(string(b))
	return err == nil && v
}
