// Package wsupstream implements synth.Transport over a WebSocket connection
// using github.com/coder/websocket.
//
// The upstream URL, query parameters, handshake headers and the request
// frame are rendered from text/template strings, so different synthesis
// services can be targeted from configuration alone. Templates see the
// fields of [TemplateData]; the extra function "json" renders its argument
// as a JSON literal.
package wsupstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"text/template"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/ttsrelay/pkg/synth"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultReadLimit   = 16 << 20
)

// DefaultRequestTemplate renders the request frame when none is configured.
const DefaultRequestTemplate = `{"text":{{json .Text}},"voice":{{json .VoiceID}},"speed":{{json .Speed}},` +
	`"sample_rate":{{json .SampleRate}},"channels":{{json .Channels}},"encoding":{{json .Encoding}},` +
	`"session_id":{{json .SessionID}}}`

// DefaultQuery is used when Config.Query is nil.
var DefaultQuery = map[string]string{
	"access_token": "{{.Token}}",
	"voice":        "{{.VoiceID}}",
}

// Config describes how to reach the upstream.
type Config struct {
	// URL is the endpoint template used when the session parameters carry no
	// Endpoint.
	URL string

	// Query parameters added to the URL. Values are templates; parameters
	// rendering to "" are omitted.
	Query map[string]string

	// Headers sent with the handshake. Values are templates; headers
	// rendering to "" are omitted.
	Headers map[string]string

	// RequestTemplate renders the single request frame. It must produce JSON.
	RequestTemplate string

	DialTimeout time.Duration

	// ReadLimit caps the size of one inbound frame in bytes.
	ReadLimit int64
}

// TemplateData is the data every template is executed with.
type TemplateData struct {
	Token      string
	VoiceID    string
	SampleRate int
	Channels   int
	Speed      float64
	Encoding   string

	// Text and SessionID are empty while rendering the URL, query and
	// headers.
	Text      string
	SessionID string
}

func newTemplateData(p synth.Params) TemplateData {
	return TemplateData{
		Token:      p.AccessToken,
		VoiceID:    p.VoiceID,
		SampleRate: p.SampleRate,
		Channels:   p.Channels,
		Speed:      p.Speed,
		Encoding:   p.Encoding,
	}
}

// Option is a functional option for configuring the Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// WithHTTPClient sets the HTTP client used for the handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.httpClient = c }
}

// Transport dials the upstream synthesis service.
type Transport struct {
	cfg        Config
	url        *template.Template
	query      map[string]*template.Template
	headers    map[string]*template.Template
	request    *template.Template
	httpClient *http.Client
	log        *slog.Logger
}

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}

func parse(name, text string) (*template.Template, error) {
	t, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("wsupstream: parse %s template: %w", name, err)
	}
	return t, nil
}

// New validates cfg, parses its templates and returns a Transport.
func New(cfg Config, opts ...Option) (*Transport, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.RequestTemplate == "" {
		cfg.RequestTemplate = DefaultRequestTemplate
	}
	if cfg.Query == nil {
		cfg.Query = DefaultQuery
	}

	t := &Transport{
		cfg:     cfg,
		query:   make(map[string]*template.Template, len(cfg.Query)),
		headers: make(map[string]*template.Template, len(cfg.Headers)),
		log:     slog.Default(),
	}
	var err error
	if t.url, err = parse("url", cfg.URL); err != nil {
		return nil, err
	}
	if t.request, err = parse("request", cfg.RequestTemplate); err != nil {
		return nil, err
	}
	for k, v := range cfg.Query {
		if t.query[k], err = parse("query "+k, v); err != nil {
			return nil, err
		}
	}
	for k, v := range cfg.Headers {
		if t.headers[k], err = parse("header "+k, v); err != nil {
			return nil, err
		}
	}
	for _, o := range opts {
		o(t)
	}
	t.log = t.log.With("component", "wsupstream")
	return t, nil
}

func render(t *template.Template, data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Endpoint renders the full upstream URL for p.
func (t *Transport) Endpoint(p synth.Params) (string, error) {
	data := newTemplateData(p)

	urlTmpl := t.url
	if p.Endpoint != "" {
		var err error
		if urlTmpl, err = parse("endpoint", p.Endpoint); err != nil {
			return "", err
		}
	}
	raw, err := render(urlTmpl, data)
	if err != nil {
		return "", fmt.Errorf("wsupstream: render url: %w", err)
	}
	if raw == "" {
		return "", errors.New("wsupstream: no upstream endpoint configured")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("wsupstream: parse url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return "", fmt.Errorf("wsupstream: unsupported url scheme %q", u.Scheme)
	}

	q := u.Query()
	keys := make([]string, 0, len(t.query))
	for k := range t.query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := render(t.query[k], data)
		if err != nil {
			return "", fmt.Errorf("wsupstream: render query %s: %w", k, err)
		}
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *Transport) header(data TemplateData) (http.Header, error) {
	h := make(http.Header, len(t.headers))
	for k, tmpl := range t.headers {
		v, err := render(tmpl, data)
		if err != nil {
			return nil, fmt.Errorf("wsupstream: render header %s: %w", k, err)
		}
		if v != "" {
			h.Set(k, v)
		}
	}
	return h, nil
}

// Dial opens a WebSocket connection for one session.
func (t *Transport) Dial(ctx context.Context, p synth.Params) (synth.Conn, error) {
	endpoint, err := t.Endpoint(p)
	if err != nil {
		return nil, err
	}
	header, err := t.header(newTemplateData(p))
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{
		HTTPClient: t.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("wsupstream: dial: %w", err)
	}
	ws.SetReadLimit(t.cfg.ReadLimit)
	return &Conn{ws: ws, request: t.request, log: t.log}, nil
}

// Conn is one upstream WebSocket connection.
type Conn struct {
	ws      *websocket.Conn
	request *template.Template
	log     *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Send renders the request frame and writes it as a text message.
func (c *Conn) Send(ctx context.Context, req synth.UpstreamRequest) error {
	data := newTemplateData(req.Params)
	data.Text = req.Text
	data.SessionID = req.SessionID

	body, err := render(c.request, data)
	if err != nil {
		return fmt.Errorf("wsupstream: render request: %w", err)
	}
	if !json.Valid([]byte(body)) {
		return errors.New("wsupstream: request template did not produce valid JSON")
	}
	if err := c.ws.Write(ctx, websocket.MessageText, []byte(body)); err != nil {
		return fmt.Errorf("wsupstream: send request: %w", err)
	}
	return nil
}

// Recv reads the next frame. A close handshake or EOF from the peer is
// reported as synth.ErrClosed.
func (c *Conn) Recv(ctx context.Context) (synth.Frame, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) != -1 || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return synth.Frame{}, fmt.Errorf("wsupstream: read: %w: %w", synth.ErrClosed, err)
		}
		return synth.Frame{}, fmt.Errorf("wsupstream: read: %w", err)
	}
	return synth.Frame{Binary: typ == websocket.MessageBinary, Data: data}, nil
}

// Close performs the closing handshake once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		err := c.ws.Close(websocket.StatusNormalClosure, "done")
		// The peer may already be gone.
		var ce websocket.CloseError
		if err != nil && !errors.As(err, &ce) && !errors.Is(err, net.ErrClosed) {
			c.closeErr = fmt.Errorf("wsupstream: close: %w", err)
		}
	})
	return c.closeErr
}

var _ synth.Transport = (*Transport)(nil)
var _ synth.Conn = (*Conn)(nil)
