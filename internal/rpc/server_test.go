package rpc

import (
	"errors"
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

var errUnexpected = errors.New("unexpected response")

func echoHandler(core int, typ Type, payload []byte) (ReturnCode, []byte) {
	if typ == TypeDestroyProclet {
		return WrongClient, []byte("10.0.0.2")
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return Ok, out
}

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	s, err := Listen("127.0.0.1:0", echoHandler, nil)
	must.NoError(t, err)
	go s.Serve()
	t.Cleanup(func() { s.Close() })
	return s, s.Addr().String()
}

func TestClientServer_CallEchoesPayload(t *testing.T) {
	_, addr := startTestServer(t)

	c, err := Dial(addr, 2, 8, nil)
	must.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	rc, out, err := c.Call(0, TypeProcletCall, []byte("ping"))
	must.NoError(t, err)
	must.Eq(t, Ok, rc)
	must.Eq(t, []byte("ping"), out)
}

func TestClientServer_WrongClientSurfaces(t *testing.T) {
	_, addr := startTestServer(t)

	c, err := Dial(addr, 1, 8, nil)
	must.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	rc, out, err := c.Call(0, TypeDestroyProclet, nil)
	must.NoError(t, err)
	must.Eq(t, WrongClient, rc)
	must.Eq(t, []byte("10.0.0.2"), out)
}

func TestClientServer_ConcurrentCallsAllComplete(t *testing.T) {
	_, addr := startTestServer(t)

	c, err := Dial(addr, 4, 16, nil)
	must.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	const n = 50
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			rc, out, err := c.Call(i, TypeProcletCall, []byte("x"))
			if err != nil {
				results <- err
				return
			}
			if rc != Ok || string(out) != "x" {
				results <- errUnexpected
				return
			}
			results <- nil
		}(i)
	}
	for i := 0; i < n; i++ {
		select {
		case err := <-results:
			must.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for concurrent calls")
		}
	}
}

func TestClientServer_CallAsyncInvokesCallback(t *testing.T) {
	_, addr := startTestServer(t)

	c, err := Dial(addr, 1, 8, nil)
	must.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	done := make(chan struct{})
	var gotRC ReturnCode
	var gotOut []byte
	c.CallAsync(0, TypeProcletCall, []byte("async"), func(rc ReturnCode, out []byte, err error) {
		gotRC, gotOut = rc, out
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async callback never fired")
	}
	must.Eq(t, Ok, gotRC)
	must.Eq(t, []byte("async"), gotOut)
}
