// Package registry holds the capabilities a host exposes: tools, prompts
// and resources, indexed by name or URI.
//
// Tables are immutable once published. Register and Refresh build a new
// table set and swap it in atomically, so readers never observe a
// partially built table and never take a lock.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ajitpratap0/mcp-host-go/pkg/executor"
	"github.com/ajitpratap0/mcp-host-go/pkg/logging"
	"github.com/ajitpratap0/mcp-host-go/pkg/protocol"
)

// ErrNotFound is returned when a name or URI has no registered record.
var ErrNotFound = errors.New("capability not found")

// NotFoundError carries the kind and key of a failed lookup.
type NotFoundError struct {
	Kind Kind
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

// Is makes errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Executor runs capability code. The host supplies a serial executor so
// that every capability call happens on one goroutine.
type Executor interface {
	Submit(ctx context.Context, fn func(ctx context.Context) error) error
}

type inlineExecutor struct{}

func (inlineExecutor) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// tables is one immutable generation of the registry.
type tables struct {
	tools      map[string]Record
	toolOrder  []string
	prompts    map[string]Record
	promptOrd  []string
	resources  map[string]Record
	resOrder   []string
	generation uint64
}

func newTables() *tables {
	return &tables{
		tools:     make(map[string]Record),
		prompts:   make(map[string]Record),
		resources: make(map[string]Record),
	}
}

func (t *tables) clone() *tables {
	c := &tables{
		tools:      make(map[string]Record, len(t.tools)),
		toolOrder:  append([]string(nil), t.toolOrder...),
		prompts:    make(map[string]Record, len(t.prompts)),
		promptOrd:  append([]string(nil), t.promptOrd...),
		resources:  make(map[string]Record, len(t.resources)),
		resOrder:   append([]string(nil), t.resOrder...),
		generation: t.generation,
	}
	for k, v := range t.tools {
		c.tools[k] = v
	}
	for k, v := range t.prompts {
		c.prompts[k] = v
	}
	for k, v := range t.resources {
		c.resources[k] = v
	}
	return c
}

// add inserts r unless its key is taken. It reports whether r was added.
func (t *tables) add(r Record) bool {
	key := r.Key()
	switch {
	case r.Kind.IsTool():
		if _, exists := t.tools[key]; exists {
			return false
		}
		t.tools[key] = r
		t.toolOrder = append(t.toolOrder, key)
	case r.Kind == KindPrompt:
		if _, exists := t.prompts[key]; exists {
			return false
		}
		t.prompts[key] = r
		t.promptOrd = append(t.promptOrd, key)
	case r.Kind == KindResource:
		if _, exists := t.resources[key]; exists {
			return false
		}
		t.resources[key] = r
		t.resOrder = append(t.resOrder, key)
	default:
		return false
	}
	return true
}

// Registry is safe for concurrent use.
type Registry struct {
	current  atomic.Pointer[tables]
	writeMu  sync.Mutex
	executor Executor
	logger   logging.Logger
	onChange []func(generation uint64)
}

// Option configures a Registry
type Option func(*Registry)

// WithExecutor routes every capability call through e.
func WithExecutor(e Executor) Option {
	return func(r *Registry) {
		r.executor = e
	}
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// OnChange registers a callback run after every published rebuild.
func OnChange(fn func(generation uint64)) Option {
	return func(r *Registry) {
		r.onChange = append(r.onChange, fn)
	}
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{
		executor: inlineExecutor{},
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithFields(logging.String("component", "registry"))
	r.current.Store(newTables())
	return r
}

func (r *Registry) snapshot() *tables {
	return r.current.Load()
}

// Register adds a record. It returns false, leaving the registry
// unchanged, when the record is invalid or its name/URI is already taken
// within its namespace. Sync and async tools share one namespace.
func (r *Registry) Register(rec Record) bool {
	if err := rec.validate(); err != nil {
		r.logger.Warn("Rejected invalid capability", logging.ErrorField(err))
		return false
	}

	r.writeMu.Lock()
	next := r.snapshot().clone()
	added := next.add(rec)
	if added {
		next.generation++
		r.current.Store(next)
	}
	r.writeMu.Unlock()

	if !added {
		r.logger.Warn("Rejected duplicate capability",
			logging.String("kind", rec.Kind.String()),
			logging.String("key", rec.Key()))
		return false
	}

	r.logger.Debug("Registered capability",
		logging.String("kind", rec.Kind.String()),
		logging.String("key", rec.Key()))
	r.notify(next.generation)
	return true
}

// Refresh replaces every table with the given records and returns how
// many were rejected as invalid or duplicate. Readers see either the old
// table set or the new one.
func (r *Registry) Refresh(records []Record) int {
	next := newTables()
	rejected := 0
	for _, rec := range records {
		if err := rec.validate(); err != nil {
			r.logger.Warn("Rejected invalid capability", logging.ErrorField(err))
			rejected++
			continue
		}
		if !next.add(rec) {
			r.logger.Warn("Rejected duplicate capability",
				logging.String("kind", rec.Kind.String()),
				logging.String("key", rec.Key()))
			rejected++
		}
	}

	r.writeMu.Lock()
	next.generation = r.snapshot().generation + 1
	r.current.Store(next)
	r.writeMu.Unlock()

	r.logger.Info("Capability tables rebuilt",
		logging.Int("tools", len(next.toolOrder)),
		logging.Int("prompts", len(next.promptOrd)),
		logging.Int("resources", len(next.resOrder)),
		logging.Int("rejected", rejected))
	r.notify(next.generation)
	return rejected
}

func (r *Registry) notify(generation uint64) {
	for _, fn := range r.onChange {
		fn(generation)
	}
}

// Generation increases by one on every successful Register or Refresh.
func (r *Registry) Generation() uint64 {
	return r.snapshot().generation
}

// Count returns the number of records of kind. Sync and async tools are
// counted separately although they share a namespace.
func (r *Registry) Count(kind Kind) int {
	t := r.snapshot()
	switch {
	case kind.IsTool():
		n := 0
		for _, rec := range t.tools {
			if rec.Kind == kind {
				n++
			}
		}
		return n
	case kind == KindPrompt:
		return len(t.promptOrd)
	case kind == KindResource:
		return len(t.resOrder)
	}
	return 0
}

// List returns the records of kind's namespace in registration order.
// Asking for either tool kind lists every tool.
func (r *Registry) List(kind Kind) []Record {
	t := r.snapshot()
	var (
		order []string
		table map[string]Record
	)
	switch {
	case kind.IsTool():
		order, table = t.toolOrder, t.tools
	case kind == KindPrompt:
		order, table = t.promptOrd, t.prompts
	case kind == KindResource:
		order, table = t.resOrder, t.resources
	default:
		return nil
	}

	out := make([]Record, 0, len(order))
	for _, key := range order {
		out = append(out, table[key])
	}
	return out
}

// Tools returns the public tool descriptors in registration order.
func (r *Registry) Tools() []protocol.Tool {
	records := r.List(KindSyncTool)
	out := make([]protocol.Tool, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.tool())
	}
	return out
}

// Prompts returns the public prompt descriptors in registration order.
func (r *Registry) Prompts() []protocol.Prompt {
	records := r.List(KindPrompt)
	out := make([]protocol.Prompt, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.prompt())
	}
	return out
}

// Resources returns the public resource descriptors in registration order.
func (r *Registry) Resources() []protocol.Resource {
	records := r.List(KindResource)
	out := make([]protocol.Resource, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.resource())
	}
	return out
}

// Lookup finds a record by kind and key.
func (r *Registry) Lookup(kind Kind, key string) (Record, bool) {
	t := r.snapshot()
	var rec Record
	var ok bool
	switch {
	case kind.IsTool():
		rec, ok = t.tools[key]
	case kind == KindPrompt:
		rec, ok = t.prompts[key]
	case kind == KindResource:
		rec, ok = t.resources[key]
	}
	return rec, ok
}

// CallTool invokes the named tool with args. Sync tools run entirely on
// the executor. Async tools are started on the executor and awaited on
// the caller's goroutine so a slow tool does not hold the executor. The
// context an async tool receives is detached from the executor, so
// registry calls it makes later queue behind other work.
func (r *Registry) CallTool(ctx context.Context, name string, args map[string]interface{}) (protocol.CallToolResult, error) {
	rec, ok := r.Lookup(KindSyncTool, name)
	if !ok {
		return protocol.CallToolResult{}, &NotFoundError{Kind: KindSyncTool, Key: name}
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	if rec.Kind == KindSyncTool {
		var result protocol.CallToolResult
		err := r.executor.Submit(ctx, func(ctx context.Context) error {
			var err error
			result, err = rec.execute(ctx, args)
			return err
		})
		return normalizeToolResult(result), err
	}

	var pending <-chan AsyncResult
	if err := r.executor.Submit(ctx, func(ctx context.Context) error {
		pending = rec.executeAsync(executor.Detach(ctx), args)
		return nil
	}); err != nil {
		return protocol.CallToolResult{}, err
	}
	if pending == nil {
		return protocol.CallToolResult{}, fmt.Errorf("tool %q returned no result channel", name)
	}

	select {
	case res, ok := <-pending:
		if !ok {
			return protocol.CallToolResult{}, fmt.Errorf("tool %q closed its result channel without a result", name)
		}
		return normalizeToolResult(res.Result), res.Err
	case <-ctx.Done():
		return protocol.CallToolResult{}, ctx.Err()
	}
}

// GetPrompt renders the named prompt.
func (r *Registry) GetPrompt(ctx context.Context, name string, args map[string]string) (protocol.GetPromptResult, error) {
	rec, ok := r.Lookup(KindPrompt, name)
	if !ok {
		return protocol.GetPromptResult{}, &NotFoundError{Kind: KindPrompt, Key: name}
	}

	var messages []protocol.PromptMessage
	err := r.executor.Submit(ctx, func(ctx context.Context) error {
		var err error
		messages, err = rec.getMessages(ctx, args)
		return err
	})
	if err != nil {
		return protocol.GetPromptResult{}, err
	}
	if messages == nil {
		messages = []protocol.PromptMessage{}
	}
	return protocol.GetPromptResult{Description: rec.Description, Messages: messages}, nil
}

// ReadResource reads the resource at uri. Missing URI and MIME type in the
// returned contents are filled from the record.
func (r *Registry) ReadResource(ctx context.Context, uri string) (protocol.ReadResourceResult, error) {
	rec, ok := r.Lookup(KindResource, uri)
	if !ok {
		return protocol.ReadResourceResult{}, &NotFoundError{Kind: KindResource, Key: uri}
	}

	var contents protocol.ResourceContents
	err := r.executor.Submit(ctx, func(ctx context.Context) error {
		var err error
		contents, err = rec.read(ctx)
		return err
	})
	if err != nil {
		return protocol.ReadResourceResult{}, err
	}
	if contents.URI == "" {
		contents.URI = rec.URI
	}
	if contents.MIMEType == "" {
		contents.MIMEType = rec.MIMEType
	}
	return protocol.ReadResourceResult{Contents: []protocol.ResourceContents{contents}}, nil
}

func normalizeToolResult(res protocol.CallToolResult) protocol.CallToolResult {
	if res.Content == nil {
		res.Content = []protocol.Content{}
	}
	return res
}
