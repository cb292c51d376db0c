// Package bus описывает контракт обмена сообщениями между процессами
// софтфона (UI, координатор, media host) и его реализации.
//
// Доставка best-effort и at-most-once: подтверждений и повторов нет.
// Ошибка Publish возвращается вызывающему, который обычно только логирует её.
// Обработчики одной подписки вызываются последовательно в порядке отправки
// из одного источника, между разными источниками порядок не гарантирован.
package bus

import (
	"context"
	"errors"
)

var (
	// ErrClosed шина закрыта
	ErrClosed = errors.New("шина закрыта")
	// ErrNoSubscribers у топика нет получателей, сообщение потеряно
	ErrNoSubscribers = errors.New("нет получателей")
	// ErrDropped буфер получателя переполнен, сообщение отброшено
	ErrDropped = errors.New("сообщение отброшено")
)

// Handler обрабатывает входящее сообщение
type Handler func(ctx context.Context, msg Message)

// Subscription активная подписка на топик
type Subscription interface {
	Unsubscribe() error
}

// Bus асинхронная шина сообщений с адресацией по топикам
type Bus interface {
	Publish(ctx context.Context, topic Topic, msg Message) error
	Subscribe(topic Topic, h Handler) (Subscription, error)
	Close() error
}
