package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sourcegraph/conc/panics"

	mcperrors "github.com/ajitpratap0/mcp-host-go/pkg/errors"
	"github.com/ajitpratap0/mcp-host-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-host-go/pkg/utils"
)

// Kind identifies the variant of a capability record.
type Kind int

const (
	KindSyncTool Kind = iota
	KindAsyncTool
	KindPrompt
	KindResource
)

// String returns the kind name used in logs
func (k Kind) String() string {
	switch k {
	case KindSyncTool:
		return "sync_tool"
	case KindAsyncTool:
		return "async_tool"
	case KindPrompt:
		return "prompt"
	case KindResource:
		return "resource"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsTool reports whether the kind lives in the shared tools namespace.
func (k Kind) IsTool() bool {
	return k == KindSyncTool || k == KindAsyncTool
}

// ToolFunc executes a synchronous tool.
type ToolFunc func(ctx context.Context, args map[string]interface{}) (protocol.CallToolResult, error)

// AsyncResult is delivered on the channel returned by an AsyncToolFunc.
type AsyncResult struct {
	Result protocol.CallToolResult
	Err    error
}

// AsyncToolFunc starts a tool and returns a channel that yields exactly
// one result. The function itself must return promptly; the work runs
// elsewhere, off the serial executor. That work must not touch host state
// directly: go back through the Registry or the executor for it. A sync
// tool must not wait on an async tool that does so, since the executor is
// busy running the sync tool.
type AsyncToolFunc func(ctx context.Context, args map[string]interface{}) <-chan AsyncResult

// PromptFunc renders a prompt.
type PromptFunc func(ctx context.Context, args map[string]string) ([]protocol.PromptMessage, error)

// ReadFunc reads a resource.
type ReadFunc func(ctx context.Context) (protocol.ResourceContents, error)

// Record is a capability supplied by the embedding application. Exactly
// the fields matching Kind are used; build records with SyncTool,
// AsyncTool, Prompt and Resource rather than by hand.
type Record struct {
	Kind        Kind
	Name        string
	URI         string
	Description string

	InputSchema json.RawMessage
	Arguments   []protocol.PromptArgument
	MIMEType    string

	execute      ToolFunc
	executeAsync AsyncToolFunc
	getMessages  PromptFunc
	read         ReadFunc
}

// Key returns the name or URI the record is indexed by.
func (r Record) Key() string {
	if r.Kind == KindResource {
		return r.URI
	}
	return r.Name
}

func (r Record) validate() error {
	if r.Key() == "" {
		return fmt.Errorf("%s record has no identifier", r.Kind)
	}
	switch r.Kind {
	case KindSyncTool:
		if r.execute == nil {
			return fmt.Errorf("tool %q has no executor", r.Name)
		}
	case KindAsyncTool:
		if r.executeAsync == nil {
			return fmt.Errorf("tool %q has no executor", r.Name)
		}
	case KindPrompt:
		if r.getMessages == nil {
			return fmt.Errorf("prompt %q has no renderer", r.Name)
		}
	case KindResource:
		if r.read == nil {
			return fmt.Errorf("resource %q has no reader", r.URI)
		}
	default:
		return fmt.Errorf("unknown capability kind %d", int(r.Kind))
	}
	return nil
}

// SyncTool builds a synchronous tool record. A nil schema advertises an
// empty object schema.
func SyncTool(name, description string, schema json.RawMessage, fn ToolFunc) Record {
	return Record{
		Kind:        KindSyncTool,
		Name:        name,
		Description: description,
		InputSchema: schema,
		execute:     fn,
	}
}

// AsyncTool builds an asynchronous tool record.
func AsyncTool(name, description string, schema json.RawMessage, fn AsyncToolFunc) Record {
	return Record{
		Kind:         KindAsyncTool,
		Name:         name,
		Description:  description,
		InputSchema:  schema,
		executeAsync: fn,
	}
}

// Prompt builds a prompt record.
func Prompt(name, description string, args []protocol.PromptArgument, fn PromptFunc) Record {
	return Record{
		Kind:        KindPrompt,
		Name:        name,
		Description: description,
		Arguments:   args,
		getMessages: fn,
	}
}

// Resource builds a resource record.
func Resource(uri, name, description, mimeType string, fn ReadFunc) Record {
	return Record{
		Kind:        KindResource,
		URI:         uri,
		Name:        name,
		Description: description,
		MIMEType:    mimeType,
		read:        fn,
	}
}

// TypedTool builds a synchronous tool whose arguments decode into T. The
// input schema is reflected from T's struct tags.
func TypedTool[T any](name, description string, fn func(ctx context.Context, args T) (protocol.CallToolResult, error)) Record {
	var zero T
	return SyncTool(name, description, utils.SchemaFor(zero), func(ctx context.Context, raw map[string]interface{}) (protocol.CallToolResult, error) {
		var args T
		if err := utils.DecodeArguments(raw, &args); err != nil {
			return protocol.CallToolResult{}, mcperrors.InvalidParams(protocol.MethodCallTool, err)
		}
		return fn(ctx, args)
	})
}

// AsyncFromFunc adapts a blocking function into an AsyncToolFunc by
// running it on its own goroutine. A panic in fn is delivered as the
// result error.
func AsyncFromFunc(fn ToolFunc) AsyncToolFunc {
	return func(ctx context.Context, args map[string]interface{}) <-chan AsyncResult {
		ch := make(chan AsyncResult, 1)
		go func() {
			var (
				res protocol.CallToolResult
				err error
				pc  panics.Catcher
			)
			pc.Try(func() { res, err = fn(ctx, args) })
			if r := pc.Recovered(); r != nil {
				err = r.AsError()
			}
			ch <- AsyncResult{Result: res, Err: err}
		}()
		return ch
	}
}

func (r Record) tool() protocol.Tool {
	schema := r.InputSchema
	if len(schema) == 0 {
		schema = protocol.DefaultInputSchema
	}
	return protocol.Tool{Name: r.Name, Description: r.Description, InputSchema: schema}
}

func (r Record) prompt() protocol.Prompt {
	return protocol.Prompt{Name: r.Name, Description: r.Description, Arguments: r.Arguments}
}

func (r Record) resource() protocol.Resource {
	return protocol.Resource{URI: r.URI, Name: r.Name, Description: r.Description, MIMEType: r.MIMEType}
}
