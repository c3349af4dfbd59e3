package apiserver

import (
	"context"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mlctrez/fauxmo/device"
	"github.com/mlctrez/fauxmo/devicedb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	return freePorts(t, 1)[0]
}

// freePorts holds every listener open until all ports are known so they differ.
func freePorts(t *testing.T, n int) []int {
	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer l.Close()
		ports = append(ports, l.Addr().(*net.TCPAddr).Port)
	}
	return ports
}

type fixture struct {
	snapshot *device.Snapshot
	lamp     *recordingSwitcher
	fan      *recordingSwitcher
	handler  http.Handler
}

func newFixture(t *testing.T, lampPort, fanPort int) *fixture {
	f := &fixture{lamp: &recordingSwitcher{}, fan: &recordingSwitcher{}}
	var err error
	f.snapshot, err = device.Build("127.0.0.1", []device.Config{
		{Name: "lamp", Port: lampPort, Switcher: f.lamp},
		{Name: "fan", Port: fanPort, Switcher: f.fan},
	}, nil)
	require.NoError(t, err)
	f.handler = New(Options{}, nil, nil).Handler(f.snapshot, devicedb.NewMemoryCache())
	return f
}

func (f *fixture) do(method, host, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Host = host
	rw := httptest.NewRecorder()
	f.handler.ServeHTTP(rw, req)
	return rw
}

func TestSetupRoute(t *testing.T) {
	f := newFixture(t, 11000, 11001)

	rw := f.do("GET", "127.0.0.1:11000", "/"+device.NameID("lamp")+"/setup.xml", "")
	assert.Equal(t, http.StatusOK, rw.Code)
	assert.Contains(t, rw.Body.String(), "<friendlyName>lamp</friendlyName>")
	assert.Equal(t, 1, strings.Count(rw.Body.String(), "<device>"))
	assert.Equal(t, "text/xml", rw.Header().Get("Content-Type"))

	rw = f.do("GET", "127.0.0.1:11000", "/unknown/setup.xml", "")
	assert.Equal(t, http.StatusNotFound, rw.Code)

	rw = f.do("GET", "127.0.0.1:11000", "/setup.xml", "")
	assert.Equal(t, http.StatusBadRequest, rw.Code)
}

func TestControlRoute(t *testing.T) {
	f := newFixture(t, 11000, 11001)

	rw := f.do("POST", "127.0.0.1:11001", ControlPath, setOffBody)
	assert.Equal(t, http.StatusOK, rw.Code)
	assert.Contains(t, rw.Body.String(), "<u:SetBinaryStateResponse")
	assert.Contains(t, rw.Body.String(), "<BinaryState>0</BinaryState>")
	assert.Equal(t, []call{{device.ActionOff, "fan"}}, f.fan.Calls())
	assert.Empty(t, f.lamp.Calls())

	rw = f.do("POST", "127.0.0.1:11000", ControlPath, setOnBody)
	assert.Contains(t, rw.Body.String(), "<BinaryState>1</BinaryState>")
	rw = f.do("POST", "127.0.0.1:11000", ControlPath, getBody)
	assert.Contains(t, rw.Body.String(), "<u:GetBinaryStateResponse")
	assert.Contains(t, rw.Body.String(), "<BinaryState>1</BinaryState>")
}

func TestControlErrors(t *testing.T) {
	f := newFixture(t, 11000, 11001)

	rw := f.do("POST", "127.0.0.1:12345", ControlPath, setOnBody)
	assert.Equal(t, http.StatusNotFound, rw.Code)

	rw = f.do("POST", "127.0.0.1", ControlPath, setOnBody)
	assert.Equal(t, http.StatusNotFound, rw.Code)

	rw = f.do("POST", "127.0.0.1:11000", ControlPath, "")
	assert.Equal(t, http.StatusBadRequest, rw.Code)

	rw = f.do("POST", "127.0.0.1:11000", ControlPath, "<s:Envelope/>")
	assert.Equal(t, http.StatusOK, rw.Code)
	assert.Empty(t, rw.Body.String())
	assert.Empty(t, f.lamp.Calls())
}

func post(t *testing.T, port int, body string) (int, string) {
	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d%s", port, ControlPath), "text/xml", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := ioutil.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestStartServesEachPort(t *testing.T) {
	ports := freePorts(t, 2)
	lampPort, fanPort := ports[0], ports[1]
	f := newFixture(t, lampPort, fanPort)

	a := New(Options{Host: "127.0.0.1"}, nil, nil)
	require.NoError(t, a.Start(f.snapshot, devicedb.NewMemoryCache()))
	defer a.Stop(context.Background())
	assert.Len(t, a.Addrs(), 2)

	code, body := post(t, fanPort, setOffBody)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "<BinaryState>0</BinaryState>")
	assert.Equal(t, []call{{device.ActionOff, "fan"}}, f.fan.Calls())

	code, body = post(t, lampPort, setOnBody)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "<BinaryState>1</BinaryState>")
	assert.Equal(t, []call{{device.ActionOn, "lamp"}}, f.lamp.Calls())

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/%s/setup.xml", lampPort, device.NameID("lamp")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartBindFailureReleasesPorts(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	freeP := freePort(t)
	f := newFixture(t, freeP, busy.Addr().(*net.TCPAddr).Port)

	a := New(Options{Host: "127.0.0.1"}, nil, nil)
	err = a.Start(f.snapshot, devicedb.NewMemoryCache())
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrBindFailure)
	assert.Empty(t, a.Addrs())

	// the port bound before the failure was released
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", freeP))
	require.NoError(t, err)
	l.Close()
}

func TestStopIdempotentAndRestart(t *testing.T) {
	a := New(Options{Host: "127.0.0.1", StopTimeout: 100 * time.Millisecond}, nil, nil)
	a.Stop(context.Background())

	ports := freePorts(t, 2)
	f := newFixture(t, ports[0], ports[1])
	require.NoError(t, a.Start(f.snapshot, devicedb.NewMemoryCache()))
	// starting again on the same ports only works because the old listeners are stopped first
	require.NoError(t, a.Start(f.snapshot, devicedb.NewMemoryCache()))

	a.Stop(context.Background())
	a.Stop(context.Background())
	assert.Empty(t, a.Addrs())
}

func TestStopForcesSlowRequests(t *testing.T) {
	port := freePort(t)
	block := make(chan struct{})
	defer close(block)
	slow := device.SwitchFunc(func(context.Context, device.Action, string) error {
		<-block
		return nil
	})
	s, err := device.Build("127.0.0.1", []device.Config{{Name: "slow", Port: port, Switcher: slow}}, nil)
	require.NoError(t, err)

	a := New(Options{Host: "127.0.0.1", StopTimeout: 50 * time.Millisecond}, nil, nil)
	require.NoError(t, a.Start(s, devicedb.NewMemoryCache()))

	go http.Post(fmt.Sprintf("http://127.0.0.1:%d%s", port, ControlPath), "text/xml", strings.NewReader(setOnBody))
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		a.Stop(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not force close")
	}
}
