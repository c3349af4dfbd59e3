package tmpl

import (
	"fmt"
	"strings"
	"testing"

	"github.com/mlctrez/fauxmo/device"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshot(t *testing.T, names ...string) *device.Snapshot {
	configs := make([]device.Config, 0, len(names))
	for i, n := range names {
		configs = append(configs, device.Config{Name: n, Port: 11000 + i})
	}
	s, err := device.Build("192.168.1.20", configs, nil)
	require.NoError(t, err)
	return s
}

func TestRenderSetupAll(t *testing.T) {
	s := snapshot(t, "lamp", "fan", "tv & sound")

	out, err := RenderSetup(s, "")
	require.NoError(t, err)
	body := string(out)

	assert.True(t, strings.HasPrefix(body, `<?xml version="1.0"?><root>`))
	assert.True(t, strings.HasSuffix(body, `</root>`))
	assert.Equal(t, 3, strings.Count(body, "<device>"))
	for _, r := range s.Devices() {
		assert.Contains(t, body, fmt.Sprintf("<UDN>uuid:Socket-1_0-%s</UDN>", r.ID))
	}
	assert.Contains(t, body, "<friendlyName>lamp</friendlyName>")
	assert.Contains(t, body, "<friendlyName>tv &amp; sound</friendlyName>")
	assert.Contains(t, body, "<deviceType>urn:Fauxmo:device:controllee:1</deviceType>")
	assert.Contains(t, body, "<manufacturer>Belkin International Inc.</manufacturer>")
	assert.Contains(t, body, "<modelName>Emulated Socket</modelName>")

	// insertion order
	assert.Less(t, strings.Index(body, "lamp"), strings.Index(body, "fan"))
}

func TestRenderSetupSingle(t *testing.T) {
	s := snapshot(t, "lamp", "fan")
	id := device.NameID("fan")

	out, err := RenderSetup(s, id)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(out), "<device>"))
	assert.Contains(t, string(out), "<friendlyName>fan</friendlyName>")
	assert.NotContains(t, string(out), "lamp")

	_, err = RenderSetup(s, "missing")
	assert.True(t, errors.Is(err, device.ErrNotFound))
}

func TestRenderSetupAdvancesBootID(t *testing.T) {
	s := snapshot(t, "lamp")
	_, _ = RenderSetup(s, "")
	_, _ = RenderSetup(s, "nope")
	assert.EqualValues(t, 3, s.BootID())
}

func TestDiscoveryResponse(t *testing.T) {
	s := snapshot(t, "lamp", "fan")
	r := s.Devices()[1]

	out, err := DiscoveryResponse(s, r)
	require.NoError(t, err)
	msg := string(out)

	assert.True(t, strings.HasPrefix(msg, "HTTP/1.1 200 OK\r\n"))
	assert.True(t, strings.HasSuffix(msg, "::urn:Belkin:device:**\r\n\r\n"))
	assert.Contains(t, msg, fmt.Sprintf("LOCATION: http://192.168.1.20:11001/%s/setup.xml\r\n", r.ID))
	assert.Contains(t, msg, fmt.Sprintf("USN: uuid:Socket-1_0-%s::urn:Belkin:device:**", r.ID))
	assert.Contains(t, msg, "01-NLS: 1\r\n")
	assert.Contains(t, msg, "ST: urn:Belkin:device:**\r\n")
	assert.Contains(t, msg, "CACHE-CONTROL: max-age=86400\r\n")
	assert.Contains(t, msg, `OPT: "http://schemas.upnp.org/upnp/1/0/"; ns=01`+"\r\n")
	assert.NotContains(t, strings.ReplaceAll(msg, "\r\n", ""), "\n")
}

func TestBinaryStateResponse(t *testing.T) {
	out, err := BinaryStateResponse(Set, device.StateOff)
	require.NoError(t, err)
	assert.Contains(t, string(out), "<u:SetBinaryStateResponse")
	assert.Contains(t, string(out), "<BinaryState>0</BinaryState>")

	out, err = BinaryStateResponse(Get, device.StateOn)
	require.NoError(t, err)
	assert.Contains(t, string(out), "<u:GetBinaryStateResponse")
	assert.Contains(t, string(out), "<BinaryState>1</BinaryState>")
}
