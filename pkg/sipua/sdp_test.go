package sipua

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildOfferIsReceiveOnly(t *testing.T) {
	body, err := BuildOffer("192.0.2.10", 40000)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "m=audio 40000 RTP/AVP 0 8")
	assert.Contains(t, text, "c=IN IP4 192.0.2.10")
	assert.Contains(t, text, "a=rtpmap:0 PCMU/8000")
	assert.Contains(t, text, "a=recvonly")

	remote, err := ParseSDP(body)
	require.NoError(t, err)
	assert.Equal(t, RemoteMedia{Addr: "192.0.2.10", Port: 40000, PayloadType: 0}, remote)
}

func TestParseSDPSkipsUnsupportedCodecs(t *testing.T) {
	offer := strings.Join([]string{
		"v=0",
		"o=- 1 1 IN IP4 198.51.100.7",
		"s=pbx",
		"c=IN IP4 198.51.100.7",
		"t=0 0",
		"m=audio 30000 RTP/AVP 111 8 101",
		"a=rtpmap:111 opus/48000/2",
		"a=rtpmap:8 PCMA/8000",
		"a=rtpmap:101 telephone-event/8000",
		"",
	}, "\r\n")

	remote, err := ParseSDP([]byte(offer))
	require.NoError(t, err)
	assert.Equal(t, uint8(8), remote.PayloadType)
	assert.Equal(t, "198.51.100.7", remote.Addr)
	assert.Equal(t, 30000, remote.Port)
}

func TestBuildAnswerUsesOfferedCodec(t *testing.T) {
	offer := strings.Join([]string{
		"v=0",
		"o=- 1 1 IN IP4 198.51.100.7",
		"s=pbx",
		"t=0 0",
		"m=audio 30000 RTP/AVP 8",
		"c=IN IP4 198.51.100.8",
		"",
	}, "\r\n")

	answer, remote, err := BuildAnswer([]byte(offer), "192.0.2.10", 41000)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.8", remote.Addr)
	assert.Contains(t, string(answer), "m=audio 41000 RTP/AVP 8")
	assert.Contains(t, string(answer), "a=rtpmap:8 PCMA/8000")
}

func TestParseSDPWithoutAudio(t *testing.T) {
	offer := "v=0\r\no=- 1 1 IN IP4 198.51.100.7\r\ns=pbx\r\nc=IN IP4 198.51.100.7\r\nt=0 0\r\nm=video 5000 RTP/AVP 96\r\n"
	_, err := ParseSDP([]byte(offer))
	assert.ErrorIs(t, err, ErrNoAudio)

	_, err = ParseSDP([]byte("garbage"))
	assert.Error(t, err)
}
