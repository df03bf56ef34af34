package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/remote"
)

// Client is a remote.Store backed by a relay Server.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	dialer     *websocket.Dialer
	timeout    time.Duration
	logger     zerolog.Logger

	mu      sync.Mutex
	streams map[*websocket.Conn]struct{}
	closed  bool
	wg      sync.WaitGroup
}

var _ remote.Store = (*Client)(nil)

type ClientOption func(*Client)

// WithTimeout bounds every write request and the stream handshake.
// Non-positive values keep the default.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithClientLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

func NewClient(baseURL string, options ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid relay url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("relay url must be http or https, got %q", baseURL)
	}

	ret := &Client{
		baseURL: u,
		timeout: defaultTimeout,
		logger:  log.Logger,
		streams: map[*websocket.Conn]struct{}{},
	}
	for _, option := range options {
		option(ret)
	}
	if ret.httpClient == nil {
		ret.httpClient = &http.Client{}
	}
	ret.dialer = &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: ret.timeout,
	}
	return ret, nil
}

func (c *Client) CreateConversation(ctx context.Context, conv conversation.Conversation) error {
	return c.send(ctx, "create_conversation", http.MethodPost, "/v1/conversations", conv)
}

func (c *Client) AppendMessage(ctx context.Context, conversationID string, msg conversation.Message) error {
	return c.send(ctx, "append_message", http.MethodPost,
		"/v1/conversations/"+url.PathEscape(conversationID)+"/messages", msg)
}

func (c *Client) UpdateConversationMeta(ctx context.Context, conversationID string, meta remote.MetaUpdate) error {
	return c.send(ctx, "update_conversation_meta", http.MethodPatch,
		"/v1/conversations/"+url.PathEscape(conversationID), meta)
}

func (c *Client) send(ctx context.Context, op, method, path string, body interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return errors.Wrapf(err, "could not encode %s request", op)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint("http", path, nil), bytes.NewReader(b))
	if err != nil {
		return errors.Wrapf(err, "could not build %s request", op)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s request failed", op)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return &remote.StatusError{Op: op, StatusCode: resp.StatusCode, Message: readError(resp.Body)}
}

func readError(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var e errorResponse
	if json.Unmarshal(b, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(b))
}

func (c *Client) endpoint(scheme, path string, query url.Values) string {
	u := *c.baseURL
	switch {
	case scheme == "ws" && u.Scheme == "https":
		u.Scheme = "wss"
	case scheme == "ws":
		u.Scheme = "ws"
	}
	u.Path = u.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) SubscribeConversations(
	ownerID string,
	onSnapshot func(remote.ConversationSnapshot),
	onError func(error),
) (remote.Subscription, error) {
	return c.subscribe("subscribe_conversations", "/v1/stream/conversations",
		url.Values{"owner": {ownerID}},
		func(f Frame) bool {
			if f.Type != FrameConversations || f.Conversations == nil {
				return false
			}
			onSnapshot(*f.Conversations)
			return true
		}, onError)
}

func (c *Client) SubscribeMessages(
	conversationID string,
	onSnapshot func(remote.MessageSnapshot),
	onError func(error),
) (remote.Subscription, error) {
	return c.subscribe("subscribe_messages", "/v1/stream/messages",
		url.Values{"conversation": {conversationID}},
		func(f Frame) bool {
			if f.Type != FrameMessages || f.Messages == nil {
				return false
			}
			onSnapshot(*f.Messages)
			return true
		}, onError)
}

// subscribe dials the stream and waits for its first frame, so that a
// refused subscription is reported by the call rather than through onError.
func (c *Client) subscribe(
	op, path string,
	query url.Values,
	deliver func(Frame) bool,
	onError func(error),
) (remote.Subscription, error) {
	if c.isClosed() {
		return nil, remote.ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(ctx, c.endpoint("ws", path, query), nil)
	if err != nil {
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			return nil, &remote.StatusError{Op: op, StatusCode: resp.StatusCode, Message: readError(resp.Body)}
		}
		return nil, errors.Wrapf(err, "%s: could not connect", op)
	}

	var first Frame
	_ = conn.SetReadDeadline(time.Now().Add(c.timeout))
	if err := conn.ReadJSON(&first); err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "%s: no initial snapshot", op)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if first.Type == FrameError {
		_ = conn.Close()
		return nil, &remote.StatusError{Op: op, StatusCode: first.Status, Message: first.Error}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, remote.ErrClosed
	}
	c.streams[conn] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	var stopMu sync.Mutex
	stopped := false
	isStopped := func() bool {
		stopMu.Lock()
		defer stopMu.Unlock()
		return stopped
	}
	reportError := func(err error) {
		if !isStopped() && !c.isClosed() && onError != nil {
			onError(err)
		}
	}
	handle := func(f Frame) {
		if isStopped() {
			return
		}
		if f.Type == FrameError {
			reportError(&remote.StatusError{Op: op, StatusCode: f.Status, Message: f.Error})
			return
		}
		if !deliver(f) {
			c.logger.Warn().Str("op", op).Str("type", f.Type).Msg("ignoring unexpected frame")
		}
	}

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.streams, conn)
			c.mu.Unlock()
			_ = conn.Close()
		}()

		handle(first)
		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				if !isStopped() {
					c.logger.Debug().Err(err).Str("op", op).Msg("stream closed")
				}
				reportError(errors.Wrapf(err, "%s: stream interrupted", op))
				return
			}
			handle(f)
		}
	}()

	return remote.SubscriptionFunc(sync.OnceFunc(func() {
		stopMu.Lock()
		stopped = true
		stopMu.Unlock()
		_ = conn.Close()
	})), nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close ends every open stream and waits for their readers to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	for conn := range c.streams {
		_ = conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
	c.httpClient.CloseIdleConnections()
	return nil
}
