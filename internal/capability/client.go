package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/conduit/internal/concurrency"
	"github.com/harunnryd/conduit/internal/config"
	conduitErrors "github.com/harunnryd/conduit/internal/errors"
	"github.com/harunnryd/conduit/internal/logger"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

// Conn is the subset of *websocket.Conn the client needs.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

type DialFunc func(ctx context.Context, url string) (Conn, error)

func dialWebsocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type Options struct {
	URL              string
	DialTimeout      time.Duration
	DiscoveryTimeout time.Duration
	InvokeTimeout    time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	DataSourceTool   string
	Dial             DialFunc
}

func OptionsFromConfig(cfg config.CapabilityConfig) (Options, error) {
	dialTimeout, err := config.DurationOrDefault(cfg.DialTimeout, config.DefaultCapabilityDialTimeout)
	if err != nil {
		return Options{}, fmt.Errorf("parse capability dial timeout: %w", err)
	}
	discoveryTimeout, err := config.DurationOrDefault(cfg.DiscoveryTimeout, config.DefaultCapabilityDiscoveryTimeout)
	if err != nil {
		return Options{}, fmt.Errorf("parse capability discovery timeout: %w", err)
	}
	invokeTimeout, err := config.DurationOrDefault(cfg.InvokeTimeout, config.DefaultCapabilityInvokeTimeout)
	if err != nil {
		return Options{}, fmt.Errorf("parse capability invoke timeout: %w", err)
	}
	reconnectInitial, err := config.DurationOrDefault(cfg.ReconnectInitialBackoff, config.DefaultCapabilityReconnectInitial)
	if err != nil {
		return Options{}, fmt.Errorf("parse capability reconnect initial backoff: %w", err)
	}
	reconnectMax, err := config.DurationOrDefault(cfg.ReconnectMaxBackoff, config.DefaultCapabilityReconnectMax)
	if err != nil {
		return Options{}, fmt.Errorf("parse capability reconnect max backoff: %w", err)
	}

	url := cfg.URL
	if url == "" {
		url = config.DefaultCapabilityURL
	}

	return Options{
		URL:              url,
		DialTimeout:      dialTimeout,
		DiscoveryTimeout: discoveryTimeout,
		InvokeTimeout:    invokeTimeout,
		ReconnectInitial: reconnectInitial,
		ReconnectMax:     reconnectMax,
		DataSourceTool:   cfg.DataSourceTool,
	}, nil
}

type reply struct {
	resp Response
	err  error
}

// Client holds the single connection to the capability server shared by all
// sessions. Requests are correlated by id so any number may be outstanding.
type Client struct {
	opts Options
	dial DialFunc

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	connMu sync.RWMutex
	conn   Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan reply

	discoverMu  sync.Mutex
	catMu       sync.RWMutex
	catalogue   *Catalogue
	toolIndex   map[string]struct{}
	dataSources []string

	reconnecting atomic.Bool
}

func NewClient(opts Options) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = 15 * time.Second
	}
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = 30 * time.Second
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = 500 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectInitial {
		opts.ReconnectMax = opts.ReconnectInitial
	}

	dial := opts.Dial
	if dial == nil {
		dial = dialWebsocket
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:    opts,
		dial:    dial,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]chan reply),
	}
}

// Connect dials the capability server and loads the catalogue.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.connectOnce(ctx); err != nil {
		return err
	}
	if _, err := c.Discover(ctx); err != nil {
		return err
	}
	return nil
}

func (c *Client) connectOnce(ctx context.Context) error {
	if c.closed.Load() {
		return conduitErrors.Transport("capability client closed")
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	conn, err := c.dial(dialCtx, c.opts.URL)
	if err != nil {
		return conduitErrors.WrapWithCategory(err, fmt.Sprintf("dial capability server %s", c.opts.URL), conduitErrors.ErrTransport)
	}

	c.connMu.Lock()
	// Close may have run while dialing.
	if c.closed.Load() {
		c.connMu.Unlock()
		_ = conn.Close()
		return conduitErrors.Transport("capability client closed")
	}
	c.conn = conn
	c.connMu.Unlock()

	concurrency.SafeGo(func() { c.readLoop(conn) }, func(r interface{}) {
		c.handleDisconnect(conn, fmt.Errorf("reader panic: %v", r))
	})

	slog.Info("Capability server connected", "url", c.opts.URL)
	return nil
}

func (c *Client) currentConn() Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

// Connected reports whether a live connection exists.
func (c *Client) Connected() bool {
	return c.currentConn() != nil
}

func (c *Client) readLoop(conn Conn) {
	for {
		var resp Response
		if err := conn.ReadJSON(&resp); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				slog.Warn("Discarding malformed capability frame", "error", err)
				continue
			}
			c.handleDisconnect(conn, err)
			return
		}
		c.dispatch(resp)
	}
}

// dispatch routes a response to the caller waiting on its id.
func (c *Client) dispatch(resp Response) {
	if resp.ID == "" {
		slog.Warn("Discarding capability frame without id")
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		slog.Warn("Dropping late or unknown capability reply", "request_id", resp.ID)
		return
	}
	ch <- reply{resp: resp}
}

func (c *Client) handleDisconnect(conn Conn, cause error) {
	c.connMu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.connMu.Unlock()
	_ = conn.Close()

	if !current {
		return
	}

	c.failPending(conduitErrors.WrapWithCategory(cause, "capability connection lost", conduitErrors.ErrTransport))

	if c.closed.Load() {
		return
	}
	slog.Warn("Capability server disconnected", "error", cause)
	c.TriggerReconnect()
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan reply)
	c.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- reply{err: err}
	}
}

// TriggerReconnect starts the reconnect loop unless one is already running or
// the connection is up.
func (c *Client) TriggerReconnect() {
	if c.closed.Load() || c.Connected() {
		return
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	concurrency.SafeGo(func() {
		defer c.reconnecting.Store(false)
		c.reconnectLoop()
	}, nil)
}

func (c *Client) reconnectLoop() {
	backoff := c.opts.ReconnectInitial
	attempt := 0

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}

		attempt++
		if err := c.connectOnce(c.ctx); err != nil {
			slog.Warn("Capability reconnect failed", "attempt", attempt, "backoff", backoff, "error", err)
			backoff *= 2
			if backoff > c.opts.ReconnectMax {
				backoff = c.opts.ReconnectMax
			}
			continue
		}

		if _, err := c.Refresh(c.ctx); err != nil {
			slog.Warn("Catalogue refresh after reconnect failed", "error", err)
		}
		return
	}
}

// call sends one request and waits for the correlated response.
func (c *Client) call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	id := ulid.Make().String()
	ch := make(chan reply, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	conn := c.currentConn()
	if conn == nil {
		c.forget(id)
		return nil, conduitErrors.Transport("capability server not connected")
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(Request{ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, conduitErrors.WrapWithCategory(err, fmt.Sprintf("send %s", method), conduitErrors.ErrTransport)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.resp.Error != nil {
			return nil, conduitErrors.FromKind(r.resp.Error.Kind, r.resp.Error.Message)
		}
		return r.resp.Result, nil
	case <-timer.C:
		c.forget(id)
		return nil, conduitErrors.Timeout(fmt.Sprintf("%s: no response within %s", method, timeout))
	case <-ctx.Done():
		c.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, conduitErrors.Timeout(fmt.Sprintf("%s: %v", method, ctx.Err()))
		}
		return nil, conduitErrors.Wrap(ctx.Err(), method)
	}
}

func (c *Client) forget(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// Discover returns the memoized tool catalogue, loading it when absent.
func (c *Client) Discover(ctx context.Context) ([]Tool, error) {
	if cat, ok := c.cached(); ok {
		return cat.Tools, nil
	}

	c.discoverMu.Lock()
	defer c.discoverMu.Unlock()

	if cat, ok := c.cached(); ok {
		return cat.Tools, nil
	}
	cat, err := c.discover(ctx)
	if err != nil {
		return nil, err
	}
	return cat.Tools, nil
}

// Refresh drops the memoized catalogue and loads it again.
func (c *Client) Refresh(ctx context.Context) ([]Tool, error) {
	c.discoverMu.Lock()
	defer c.discoverMu.Unlock()

	cat, err := c.discover(ctx)
	if err != nil {
		return nil, err
	}
	return cat.Tools, nil
}

func (c *Client) cached() (Catalogue, bool) {
	c.catMu.RLock()
	defer c.catMu.RUnlock()
	if c.catalogue == nil {
		return Catalogue{}, false
	}
	return c.catalogue.clone(), true
}

// discover must be called with discoverMu held.
func (c *Client) discover(ctx context.Context) (Catalogue, error) {
	raw, err := c.call(ctx, MethodCatalogueList, nil, c.opts.DiscoveryTimeout)
	if err != nil {
		return Catalogue{}, err
	}

	var cat Catalogue
	if err := json.Unmarshal(raw, &cat); err != nil {
		return Catalogue{}, conduitErrors.WrapWithCategory(err, "decode catalogue", conduitErrors.ErrProtocol)
	}

	index := make(map[string]struct{}, len(cat.Tools))
	for i, t := range cat.Tools {
		if t.Name == "" {
			return Catalogue{}, conduitErrors.Protocol(fmt.Sprintf("catalogue tool %d has no name", i))
		}
		if _, dup := index[t.Name]; dup {
			return Catalogue{}, conduitErrors.Protocol(fmt.Sprintf("catalogue declares tool %q twice", t.Name))
		}
		index[t.Name] = struct{}{}
	}

	c.catMu.Lock()
	c.catalogue = &cat
	c.toolIndex = index
	c.dataSources = nil
	c.catMu.Unlock()

	slog.Info("Capability catalogue loaded", "tools", len(cat.Tools), "resources", len(cat.Resources), "prompts", len(cat.Prompts))

	if _, ok := index[c.opts.DataSourceTool]; ok && c.opts.DataSourceTool != "" {
		c.loadDataSources(ctx)
	}

	return cat.clone(), nil
}

func (c *Client) loadDataSources(ctx context.Context) {
	raw, err := c.Invoke(ctx, c.opts.DataSourceTool, nil, c.opts.DiscoveryTimeout)
	if err != nil {
		slog.Warn("Failed to load data sources", "tool", c.opts.DataSourceTool, "error", err)
		return
	}

	var list dataSourceList
	if err := json.Unmarshal(raw, &list); err != nil {
		slog.Warn("Malformed data source list", "tool", c.opts.DataSourceTool, "error", err)
		return
	}

	c.catMu.Lock()
	c.dataSources = list.Connections
	c.catMu.Unlock()
}

// Invoke calls a tool by name. A timeout of zero uses the configured default.
// A Timeout error means the outcome is unknown, not that the tool did not run.
func (c *Client) Invoke(ctx context.Context, name string, arguments json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	c.catMu.RLock()
	_, known := c.toolIndex[name]
	c.catMu.RUnlock()
	if !known {
		return nil, conduitErrors.NotFound(fmt.Sprintf("tool %q is not in the capability catalogue", name))
	}

	if len(arguments) == 0 {
		arguments = json.RawMessage("{}")
	}
	if !json.Valid(arguments) {
		return nil, conduitErrors.InvalidArguments(fmt.Sprintf("arguments for %q are not valid JSON", name))
	}
	if timeout <= 0 {
		timeout = c.opts.InvokeTimeout
	}

	start := time.Now()
	result, err := c.call(ctx, MethodToolInvoke, InvokeParams{ToolName: name, Arguments: arguments}, timeout)
	slog.Debug("Tool invoked",
		append(logger.Attrs(ctx), "tool", name, "latency", time.Since(start), "error", err)...)
	return result, err
}

// Capabilities returns the cached catalogue without a round-trip.
func (c *Client) Capabilities() Catalogue {
	cat, _ := c.cached()
	return cat
}

// Tools returns the cached tool declarations.
func (c *Client) Tools() []Tool {
	cat, _ := c.cached()
	return cat.Tools
}

// DataSources returns the cached data source names in server order.
func (c *Client) DataSources() []string {
	c.catMu.RLock()
	defer c.catMu.RUnlock()
	return append([]string{}, c.dataSources...)
}

func (c *Client) Health(ctx context.Context) error {
	if !c.Connected() {
		return conduitErrors.Transport("capability server not connected")
	}
	return nil
}

// Close tears down the connection and fails every outstanding call.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	c.failPending(conduitErrors.Transport("capability client closed"))

	if conn != nil {
		return conn.Close()
	}
	return nil
}
