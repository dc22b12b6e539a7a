package wire

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"testing"

	"github.com/minio/sha256-simd"
	"github.com/multiformats/go-varint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/ankouros/pmesh/internal/model"
)

func TestValidate(t *testing.T) {
	idx := uint32(2)
	valid := []Message{
		NewDiscovery("a", model.DeviceInfo{DeviceID: "a", Port: 8090}, false),
		NewFileShare("a", FileShare{ChunkIndex: 0, TotalChunks: 1}),
		NewFileRequest("a", "a_h", &idx),
		NewFileRequest("a", "a_h", nil),
		NewFileList("a", nil),
		NewHeartbeat("a", nil),
		NewSearchRequest("a", "q", nil),
		NewSearchResponse("a", "q", nil),
		NewError("a", CodeBusy, ""),
	}
	for _, m := range valid {
		assert.NoError(t, m.Validate(), m.Type)
		assert.NotEmpty(t, m.ID)
	}

	invalid := []Message{
		{ID: "1", Type: TypeDiscovery},
		{ID: "1", Type: TypeDiscovery, Discovery: &Discovery{}},
		NewDiscovery("a", model.DeviceInfo{DeviceID: "a"}, false),
		NewDiscovery("a", model.DeviceInfo{DeviceID: "a", Port: -1}, false),
		NewDiscovery("a", model.DeviceInfo{DeviceID: "a", Port: 65536}, false),
		{ID: "1", Type: TypeFileShare, FileShare: &FileShare{ChunkIndex: 1, TotalChunks: 1}},
		{ID: "1", Type: TypeFileRequest, FileRequest: &FileRequest{}},
		{ID: "1", Type: TypeHeartbeat, Heartbeat: &Heartbeat{}, FileList: &FileList{}},
		{ID: "1", Type: "bogus", FileList: &FileList{}},
		{Type: TypeFileList, FileList: &FileList{}},
	}
	for _, m := range invalid {
		assert.ErrorIs(t, m.Validate(), ErrInvalidMessage)
	}
}

func TestOptionalFieldsOnTheWire(t *testing.T) {
	m := NewFileRequest("a", "a_h", nil)
	b, err := json.Marshal(m)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "chunkIndex")

	f := model.SharedFile{ID: "x", AbsolutePath: "/home/me/secret.txt"}
	b, err = json.Marshal(NewFileList("a", []model.SharedFile{f}))
	require.NoError(t, err)
	assert.NotContains(t, string(b), "secret.txt")
}

func TestCodecRoundTripOverPipe(t *testing.T) {
	for _, secret := range []string{"", "mesh secret"} {
		sealer, err := NewSealer(secret)
		require.NoError(t, err)

		a, b := net.Pipe()
		ca, cb := NewCodec(a, sealer), NewCodec(b, sealer)

		lvl := uint8(55)
		sent := NewHeartbeat("dev-a", &lvl)
		go func() {
			_ = ca.Encode(&sent)
			_ = a.Close()
		}()

		got, err := cb.Decode()
		require.NoError(t, err)
		assert.Equal(t, sent.ID, got.ID)
		assert.Equal(t, "dev-a", got.Heartbeat.DeviceID)
		require.NotNil(t, got.Heartbeat.BatteryLevel)
		assert.Equal(t, uint8(55), *got.Heartbeat.BatteryLevel)

		_, err = cb.Decode()
		assert.ErrorIs(t, err, io.EOF)
	}
}

func TestSealedMessagesRejectWrongSecret(t *testing.T) {
	good, err := NewSealer("right")
	require.NoError(t, err)
	bad, err := NewSealer("wrong")
	require.NoError(t, err)

	m := NewSearchRequest("a", "photos", nil)
	pkt, err := EncodeDatagram(&m, good)
	require.NoError(t, err)
	assert.NotContains(t, string(pkt), "photos")

	_, err = DecodeDatagram(pkt, bad)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = DecodeDatagram(pkt, nil)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	pkt[len(pkt)-1] ^= 0xff
	_, err = DecodeDatagram(pkt, good)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = DecodeDatagram([]byte{1, 2}, good)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestSealedKeyDerivation(t *testing.T) {
	key := make([]byte, chacha20poly1305.KeySize)
	_, err := io.ReadFull(hkdf.New(sha256.New, []byte("lan-secret"), nil, []byte("pmesh-v1")), key)
	require.NoError(t, err)
	aead, err := chacha20poly1305.NewX(key)
	require.NoError(t, err)

	m := NewHeartbeat("a", nil)
	plain, err := json.Marshal(m)
	require.NoError(t, err)
	nonce := make([]byte, aead.NonceSize())
	body := aead.Seal(append([]byte{}, nonce...), nonce, plain, nil)

	s, err := NewSealer("lan-secret")
	require.NoError(t, err)
	got, err := Unmarshal(body, s)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
}

func TestDecodeDatagramRejectsNoise(t *testing.T) {
	for _, pkt := range [][]byte{nil, []byte("hello"), []byte(`{"type":"discovery"}`), bytes.Repeat([]byte{0xff}, 100)} {
		_, err := DecodeDatagram(pkt, nil)
		assert.Error(t, err)
	}
	_, err := DecodeDatagram(make([]byte, MaxDatagramBytes+1), nil)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestCodecRejectsOversizedFrame(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.Write(varint.ToUvarint(MaxFrameBytes + 1))

	_, err := NewCodec(struct {
		io.Reader
		io.Writer
	}{buf, io.Discard}, nil).Decode()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestErrorMessageFormatting(t *testing.T) {
	assert.Equal(t, "remote error: busy", (&Error{Code: CodeBusy}).Error())
	assert.Equal(t, "remote error: not_found: x", (&Error{Code: CodeNotFound, Message: "x"}).Error())
}
