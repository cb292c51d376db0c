package sipua

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/webphone/pkg/media"
)

// ErrNoAudio в SDP нет аудио потока с поддерживаемым кодеком
var ErrNoAudio = errors.New("в SDP нет совместимого аудио потока")

// codec поддерживаемый аудио кодек
type codec struct {
	payloadType uint8
	name        string
}

// supportedCodecs в порядке предпочтения
var supportedCodecs = []codec{
	{payloadType: media.PayloadPCMU, name: "PCMU"},
	{payloadType: media.PayloadPCMA, name: "PCMA"},
}

// RemoteMedia параметры удаленного аудио из SDP
type RemoteMedia struct {
	Addr        string
	Port        int
	PayloadType uint8
}

// BuildOffer создает SDP offer только на прием аудио: захват микрофона
// не поддерживается, поэтому направление recvonly.
func BuildOffer(host string, port int) ([]byte, error) {
	formats := make([]string, 0, len(supportedCodecs))
	attrs := make([]sdp.Attribute, 0, len(supportedCodecs)+1)
	for _, c := range supportedCodecs {
		formats = append(formats, strconv.Itoa(int(c.payloadType)))
		attrs = append(attrs, sdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s/8000", c.payloadType, c.name)))
	}
	attrs = append(attrs, sdp.NewPropertyAttribute("recvonly"))

	return newDescription(host, port, formats, attrs).Marshal()
}

// BuildAnswer отвечает на offer первым поддерживаемым кодеком
func BuildAnswer(offer []byte, host string, port int) ([]byte, RemoteMedia, error) {
	remote, err := ParseSDP(offer)
	if err != nil {
		return nil, RemoteMedia{}, err
	}

	name := "PCMU"
	for _, c := range supportedCodecs {
		if c.payloadType == remote.PayloadType {
			name = c.name
		}
	}
	attrs := []sdp.Attribute{
		sdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s/8000", remote.PayloadType, name)),
		sdp.NewPropertyAttribute("recvonly"),
	}

	body, err := newDescription(host, port, []string{strconv.Itoa(int(remote.PayloadType))}, attrs).Marshal()
	if err != nil {
		return nil, RemoteMedia{}, err
	}
	return body, remote, nil
}

func newDescription(host string, port int, formats []string, attrs []sdp.Attribute) *sdp.SessionDescription {
	now := uint64(time.Now().Unix())
	conn := &sdp.ConnectionInformation{
		NetworkType: "IN",
		AddressType: addressType(host),
		Address:     &sdp.Address{Address: host},
	}

	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    addressType(host),
			UnicastAddress: host,
		},
		SessionName:           "webphone",
		ConnectionInformation: conn,
		TimeDescriptions:      []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: port},
				Protos:  []string{"RTP", "AVP"},
				Formats: formats,
			},
			Attributes: attrs,
		}},
	}
}

// ParseSDP извлекает адрес и выбранный кодек первого аудио потока
func ParseSDP(body []byte) (RemoteMedia, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return RemoteMedia{}, fmt.Errorf("разбор SDP: %w", err)
	}

	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" || md.MediaName.Port.Value == 0 {
			continue
		}

		pt, ok := selectCodec(md)
		if !ok {
			continue
		}

		ci := md.ConnectionInformation
		if ci == nil {
			ci = desc.ConnectionInformation
		}
		if ci == nil || ci.Address == nil {
			return RemoteMedia{}, fmt.Errorf("%w: нет адреса соединения", ErrNoAudio)
		}

		return RemoteMedia{Addr: ci.Address.Address, Port: md.MediaName.Port.Value, PayloadType: pt}, nil
	}

	return RemoteMedia{}, ErrNoAudio
}

func selectCodec(md *sdp.MediaDescription) (uint8, bool) {
	rtpmap := map[string]string{}
	for _, a := range md.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		if parts := strings.SplitN(a.Value, " ", 2); len(parts) == 2 {
			rtpmap[parts[0]] = strings.ToUpper(parts[1])
		}
	}

	for _, f := range md.MediaName.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		for _, c := range supportedCodecs {
			if int(c.payloadType) != pt {
				continue
			}
			// статический payload type допустим без rtpmap
			if m, ok := rtpmap[f]; !ok || strings.HasPrefix(m, c.name+"/8000") {
				return c.payloadType, true
			}
		}
	}
	return 0, false
}

func addressType(host string) string {
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		return "IP6"
	}
	return "IP4"
}
