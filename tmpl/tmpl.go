package tmpl

import (
	"bytes"
	"encoding/xml"
	"strings"
	"text/template"

	"github.com/mlctrez/fauxmo/device"
)

var funcs = template.FuncMap{"xml": escape}

func escape(s string) string {
	b := &strings.Builder{}
	xml.EscapeText(b, []byte(s))
	return b.String()
}

// the SSDP response is header framed, every line must end in CRLF
var discoveryResponseText = strings.Join([]string{
	"HTTP/1.1 200 OK",
	"CACHE-CONTROL: max-age=86400",
	"EXT:",
	"LOCATION: http://{{.IP}}:{{.Port}}/{{.ID}}/setup.xml",
	`OPT: "http://schemas.upnp.org/upnp/1/0/"; ns=01`,
	"01-NLS: {{.BootID}}",
	"SERVER: Unspecified, UPnP/1.0, Unspecified",
	"ST: urn:Belkin:device:**",
	"USN: uuid:Socket-1_0-{{.ID}}::urn:Belkin:device:**",
	"", "",
}, "\r\n")

var DiscoveryResponseTemplate = template.Must(template.New("discoveryResponse").Parse(discoveryResponseText))

var setupText = `<?xml version="1.0"?><root>{{range .}}<device>
<deviceType>urn:Fauxmo:device:controllee:1</deviceType>
<friendlyName>{{xml .Name}}</friendlyName>
<manufacturer>Belkin International Inc.</manufacturer>
<modelName>Emulated Socket</modelName>
<modelNumber>3.1415</modelNumber>
<UDN>uuid:Socket-1_0-{{.ID}}</UDN>
</device>{{end}}</root>`

var SetupTemplate = template.Must(template.New("setup").Funcs(funcs).Parse(setupText))

var binaryStateText = `<?xml version="1.0" encoding="utf-8"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<s:Body>
<u:{{.Kind}}BinaryStateResponse xmlns:u="urn:Belkin:service:basicevent:1">
<BinaryState>{{.State}}</BinaryState>
</u:{{.Kind}}BinaryStateResponse>
</s:Body>
</s:Envelope>`

var BinaryStateTemplate = template.Must(template.New("binaryState").Parse(binaryStateText))

type discoveryData struct {
	IP     string
	Port   int
	ID     string
	BootID int64
}

// DiscoveryResponse renders the unicast SSDP answer for one device.
func DiscoveryResponse(s *device.Snapshot, r *device.Record) ([]byte, error) {
	b := &bytes.Buffer{}
	err := DiscoveryResponseTemplate.Execute(b, &discoveryData{IP: s.IP(), Port: r.Port, ID: r.ID, BootID: s.BootID()})
	return b.Bytes(), err
}

// RenderSetup renders the UPnP description for every device, or only for id
// when it is not empty. Each call advances the snapshot boot counter.
func RenderSetup(s *device.Snapshot, id string) ([]byte, error) {
	s.NextBootID()

	devices := s.Devices()
	if id != "" {
		r, err := s.Lookup(id)
		if err != nil {
			return nil, err
		}
		devices = []*device.Record{r}
	}

	b := &bytes.Buffer{}
	if err := SetupTemplate.Execute(b, devices); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

type Kind string

const (
	Get Kind = "Get"
	Set Kind = "Set"
)

// BinaryStateResponse renders the SOAP envelope answering a Get or Set action.
func BinaryStateResponse(kind Kind, state device.State) ([]byte, error) {
	b := &bytes.Buffer{}
	err := BinaryStateTemplate.Execute(b, map[string]string{"Kind": string(kind), "State": state.BinaryState()})
	return b.Bytes(), err
}
