package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"
)

// Handler proxies plain HTTP requests through the interception
// pipeline and tunnels CONNECT traffic opaquely. TLS payloads are never
// decrypted; applications that want HTTPS interception point their
// client at the intercepting transport directly.
type Handler struct {
	client *http.Client
	config Config
	log    zerolog.Logger
}

// NewHandler creates a proxy handler. The client's transport decides
// what actually happens to each forwarded call; wiring in an
// interception transport gives the proxy mocks, breakpoints, and
// capture for free.
func NewHandler(client *http.Client, config Config, log zerolog.Logger) *Handler {
	client.Timeout = config.RequestTimeout
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Handler{client: client, config: config, log: log}
}

// ServeHTTP handles incoming proxy requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		h.tunnel(w, r)
		return
	}
	h.forward(w, r)
}

// forward sends the request through the intercepting client and relays
// the outcome, mocked or real, back to the caller.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request) {
	targetURL := r.URL
	if !targetURL.IsAbs() {
		targetURL = &url.URL{
			Scheme:   "http",
			Host:     r.Host,
			Path:     r.URL.Path,
			RawQuery: r.URL.RawQuery,
		}
	}

	var reqBody []byte
	if r.Body != nil {
		reqBody, _ = io.ReadAll(r.Body)
		r.Body.Close()
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL.String(), bytes.NewReader(reqBody))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create request: %v", err), http.StatusBadGateway)
		return
	}
	for key, values := range r.Header {
		for _, value := range values {
			outReq.Header.Add(key, value)
		}
	}
	removeHopByHopHeaders(outReq.Header)

	resp, err := h.client.Do(outReq)
	if err != nil {
		h.log.Debug().Err(err).Str("url", targetURL.String()).Msg("forward failed")
		http.Error(w, fmt.Sprintf("Failed to send request: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	removeHopByHopHeaders(w.Header())

	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// tunnel relays CONNECT traffic byte for byte without touching it.
func (h *Handler) tunnel(w http.ResponseWriter, r *http.Request) {
	targetConn, err := net.DialTimeout("tcp", r.Host, h.config.DialTimeout)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to connect: %v", err), http.StatusBadGateway)
		return
	}
	defer targetConn.Close()

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "Hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to hijack: %v", err), http.StatusInternalServerError)
		return
	}
	defer clientConn.Close()

	clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(targetConn, clientConn)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(clientConn, targetConn)
		done <- struct{}{}
	}()
	<-done
}

// removeHopByHopHeaders removes hop-by-hop headers that shouldn't be forwarded.
func removeHopByHopHeaders(header http.Header) {
	hopByHopHeaders := []string{
		"Connection",
		"Keep-Alive",
		"Proxy-Authenticate",
		"Proxy-Authorization",
		"Te",
		"Trailer",
		"Transfer-Encoding",
		"Upgrade",
	}
	for _, h := range hopByHopHeaders {
		header.Del(h)
	}
}
