package relay

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// BasicCredential encodes a Proxy-Authorization value. An empty username
// yields "", which disables the header.
func BasicCredential(username, password string) string {
	if username == "" {
		return ""
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

// authStage frames exactly one exchange with the upstream proxy: it decorates
// the request with the credential, writes it, and parses the response head.
// It holds per-request state, so a backend session installs a fresh one for
// every request and removes it once the response head has arrived.
type authStage struct {
	credential string
	req        *http.Request
}

func newAuthStage(credential string, req *http.Request) *authStage {
	return &authStage{credential: credential, req: req}
}

// exchange writes the decorated request to w and reads the response head
// from br, returning it both parsed and as the raw bytes received. Whatever
// follows the head is left unread in br.
func (a *authStage) exchange(w io.Writer, br *bufio.Reader) (*http.Response, []byte, error) {
	if a.credential != "" {
		a.req.Header.Set("Proxy-Authorization", a.credential)
	}
	// Keep net/http from inventing a User-Agent.
	if _, ok := a.req.Header["User-Agent"]; !ok {
		a.req.Header["User-Agent"] = []string{""}
	}

	bw := bufio.NewWriter(w)
	if err := a.req.WriteProxy(bw); err != nil {
		return nil, nil, fmt.Errorf("upstream request write: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return nil, nil, fmt.Errorf("upstream request flush: %w", err)
	}

	return readResponseHead(br, a.req)
}

// newConnectRequest builds the tunnel-establishment request for target
// ("host:port").
func newConnectRequest(target string) *http.Request {
	return &http.Request{
		Method:     http.MethodConnect,
		URL:        &url.URL{Opaque: target},
		Host:       target,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"Connection": []string{"keep-alive"}},
	}
}
