package media

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
)

const maxPacketSize = 1500

// UDPStream RTP поток, принимаемый на локальном UDP сокете
type UDPStream struct {
	id   string
	conn net.PacketConn
	buf  []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// ListenUDP открывает сокет на addr ("ip:0" выбирает свободный порт)
func ListenUDP(addr string) (*UDPStream, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("открытие RTP сокета %s: %w", addr, err)
	}
	return NewUDPStream(uuid.NewString(), conn), nil
}

// NewUDPStream оборачивает готовый сокет
func NewUDPStream(id string, conn net.PacketConn) *UDPStream {
	return &UDPStream{
		id:     id,
		conn:   conn,
		buf:    make([]byte, maxPacketSize),
		closed: make(chan struct{}),
	}
}

func (s *UDPStream) ID() string { return s.id }

// LocalAddr адрес сокета
func (s *UDPStream) LocalAddr() *net.UDPAddr {
	addr, _ := s.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// ReadRTP читает следующий RTP пакет. Пакеты, которые не разбираются как RTP
// (например, RTCP на том же порту), пропускаются.
func (s *UDPStream) ReadRTP() (*rtp.Packet, error) {
	for {
		n, _, err := s.conn.ReadFrom(s.buf)
		if err != nil {
			select {
			case <-s.closed:
				return nil, ErrStreamClosed
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil, ErrStreamClosed
			}
			return nil, err
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(s.buf[:n]); err != nil {
			continue
		}
		if pkt.PayloadType >= 64 && pkt.PayloadType <= 95 {
			// диапазон RTCP при мультиплексировании
			continue
		}
		// буфер переиспользуется, payload нужно скопировать
		pkt.Payload = append([]byte(nil), pkt.Payload...)
		return pkt, nil
	}
}

func (s *UDPStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}
