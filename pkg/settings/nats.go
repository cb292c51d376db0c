package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultBucket имя KV bucket по умолчанию
const DefaultBucket = "webphone-settings"

// NATSStore хранит настройки в JetStream KV, каждый ключ отдельно
type NATSStore struct {
	nc   *nats.Conn
	kv   jetstream.KeyValue
	owns bool
}

// DialNATSStore подключается к NATS и открывает (создает) bucket
func DialNATSStore(ctx context.Context, url, bucket string) (*NATSStore, error) {
	nc, err := nats.Connect(url, nats.Name("webphone-settings"))
	if err != nil {
		return nil, fmt.Errorf("подключение к NATS: %w", err)
	}

	st, err := NewNATSStore(ctx, nc, bucket)
	if err != nil {
		nc.Close()
		return nil, err
	}
	st.owns = true
	return st, nil
}

// NewNATSStore открывает bucket на существующем соединении
func NewNATSStore(ctx context.Context, nc *nats.Conn, bucket string) (*NATSStore, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("JetStream: %w", err)
	}

	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket})
	if err != nil {
		return nil, fmt.Errorf("KV bucket %s: %w", bucket, err)
	}

	return &NATSStore{nc: nc, kv: kv}, nil
}

func (n *NATSStore) get(ctx context.Context, key string) ([]byte, error) {
	entry, err := n.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("чтение ключа %s: %w", key, err)
	}
	return entry.Value(), nil
}

func (n *NATSStore) Load(ctx context.Context) (Settings, error) {
	jwt, err := n.get(ctx, KeyJWT)
	if err != nil {
		return Settings{}, err
	}
	incoming, err := n.get(ctx, KeyIncomingCalls)
	if err != nil {
		return Settings{}, err
	}
	return Settings{JWT: string(jwt), IncomingCalls: parseBool(incoming)}, nil
}

func (n *NATSStore) Save(ctx context.Context, s Settings) error {
	if s.JWT == "" {
		if err := n.delete(ctx, KeyJWT); err != nil {
			return err
		}
	} else if _, err := n.kv.Put(ctx, KeyJWT, []byte(s.JWT)); err != nil {
		return fmt.Errorf("запись ключа %s: %w", KeyJWT, err)
	}

	if _, err := n.kv.Put(ctx, KeyIncomingCalls, formatBool(s.IncomingCalls)); err != nil {
		return fmt.Errorf("запись ключа %s: %w", KeyIncomingCalls, err)
	}
	return nil
}

func (n *NATSStore) delete(ctx context.Context, key string) error {
	if err := n.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("удаление ключа %s: %w", key, err)
	}
	return nil
}

func (n *NATSStore) Clear(ctx context.Context) error {
	return n.delete(ctx, KeyJWT)
}

func (n *NATSStore) Close() error {
	if n.owns {
		n.nc.Close()
	}
	return nil
}
