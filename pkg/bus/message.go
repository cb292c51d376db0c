package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type тег сообщения шины
type Type string

const (
	// TypeDial UI -> Coordinator -> Media-Host: исходящий вызов на PhoneNumber
	TypeDial Type = "dial"
	// TypeAnswer ответить на входящий вызов
	TypeAnswer Type = "answer"
	// TypeHangup завершить текущий вызов
	TypeHangup Type = "hangup"
	// TypeWakeup UI -> Coordinator: сигнал живости и запрос на поднятие media host
	TypeWakeup Type = "wakeup"
	// TypeHeartbeat Media-Host -> Coordinator: периодический сигнал живости
	TypeHeartbeat Type = "heartbeat"
	// TypeStatus Media-Host -> UI/Coordinator: диагностический текст
	TypeStatus Type = "status"
	// TypeJWT Media-Host -> Coordinator: запрос текущего токена
	TypeJWT Type = "jwt"
	// TypeJWTResponse Coordinator -> Media-Host: токен для initialize
	TypeJWTResponse Type = "jwt-response"
)

var knownTypes = map[Type]bool{
	TypeDial:        true,
	TypeAnswer:      true,
	TypeHangup:      true,
	TypeWakeup:      true,
	TypeHeartbeat:   true,
	TypeStatus:      true,
	TypeJWT:         true,
	TypeJWTResponse: true,
}

// Known сообщает, относится ли тип к известному контракту
func (t Type) Known() bool {
	return knownTypes[t]
}

// Topic адрес получателя на шине
type Topic string

const (
	TopicCoordinator Topic = "coordinator"
	TopicMediaHost   Topic = "mediahost"
	TopicUI          Topic = "ui"
)

// Message запись шины с тегом Type. Поля совпадают по именам с JSON
// представлением, которое использует расширение.
type Message struct {
	Type        Type   `json:"type"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Message     string `json:"message,omitempty"`
	JWT         string `json:"jwt,omitempty"`
	// TS метка времени в миллисекундах unix (heartbeat, status)
	TS int64 `json:"ts,omitempty"`
}

// ErrMalformedMessage сообщение не удалось разобрать
var ErrMalformedMessage = errors.New("некорректное сообщение шины")

// Time возвращает TS как time.Time
func (m Message) Time() time.Time {
	if m.TS == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.TS)
}

func (m Message) String() string {
	switch m.Type {
	case TypeDial:
		return fmt.Sprintf("%s(%s)", m.Type, m.PhoneNumber)
	case TypeStatus:
		return fmt.Sprintf("%s(%q)", m.Type, m.Message)
	case TypeJWTResponse:
		// сам токен в логи не пишем
		return fmt.Sprintf("%s(len=%d)", m.Type, len(m.JWT))
	default:
		return string(m.Type)
	}
}

func Dial(phoneNumber string) Message { return Message{Type: TypeDial, PhoneNumber: phoneNumber} }
func Answer() Message                 { return Message{Type: TypeAnswer} }
func Hangup() Message                 { return Message{Type: TypeHangup} }
func Wakeup() Message                 { return Message{Type: TypeWakeup} }
func JWTRequest() Message             { return Message{Type: TypeJWT} }

func JWTResponse(token string) Message {
	return Message{Type: TypeJWTResponse, JWT: token}
}

func Heartbeat(at time.Time) Message {
	return Message{Type: TypeHeartbeat, TS: at.UnixMilli()}
}

func Status(text string, at time.Time) Message {
	return Message{Type: TypeStatus, Message: text, TS: at.UnixMilli()}
}

// Encode сериализует сообщение в JSON
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode разбирает JSON сообщение. Неизвестный тип не является ошибкой:
// получатель сам решает, что с ним делать.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: пустой type", ErrMalformedMessage)
	}
	return m, nil
}
