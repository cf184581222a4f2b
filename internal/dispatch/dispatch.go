// Package dispatch selects the handler for each request by the first
// element of its path, gating unauthenticated requests behind the login
// page when the deployment requires it.
package dispatch

import (
	"fmt"

	"github.com/Brownie44l1/webcore/internal/auth"
	"github.com/Brownie44l1/webcore/internal/logging"
	"github.com/Brownie44l1/webcore/internal/request"
)

// Header and context of the local shutdown call that bypasses login.
const (
	ServiceManagerHeader = "servicemanager"
	ShutdownContext      = "shutdown"
)

type Option func(*Dispatcher)

func WithLogger(l logging.Logger) Option {
	return func(d *Dispatcher) { d.log = logging.OrNop(l) }
}

// WithFileOptions configures every FileHandler the dispatcher builds,
// including the one under the login handler.
func WithFileOptions(opts ...FileOption) Option {
	return func(d *Dispatcher) { d.fileOpts = append(d.fileOpts, opts...) }
}

type Dispatcher struct {
	root        string
	requireAuth bool
	auth        *auth.Authenticator
	handlers    *Registry
	fileOpts    []FileOption
	log         logging.Logger
}

func New(root string, requireAuth bool, authn *auth.Authenticator, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		root:        root,
		requireAuth: requireAuth,
		auth:        authn,
		log:         logging.Nop{},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.handlers = NewRegistry(d.log)
	return d
}

func (d *Dispatcher) Root() string                 { return d.root }
func (d *Dispatcher) Registry() *Registry          { return d.handlers }
func (d *Dispatcher) FileOptions() []FileOption    { return d.fileOpts }
func (d *Dispatcher) RequiresAuthentication() bool { return d.requireAuth }

// Register installs a handler factory on a context.
func (d *Dispatcher) Register(context string, f Factory) {
	d.handlers.Handle(context, f)
}

// Select returns the handler for req. Without a user, a deployment
// requiring authentication gets the login handler, except for the
// local shutdown call.
func (d *Dispatcher) Select(req *request.Request) Handler {
	if d.requireAuth && !req.IsFromAuthenticatedUser() && !isShutdownCall(req) {
		return NewLoginHandler(d.root, "", d.auth, d.fileOpts...)
	}
	context := req.Path.Element(0)
	if route, ok := d.handlers.Match(context); ok {
		return route.Factory(d.root, context)
	}
	return NewFileHandler(d.root, "", d.fileOpts...)
}

func isShutdownCall(req *request.Request) bool {
	return req.Headers().Has(ServiceManagerHeader) &&
		req.Path.Length() == 1 &&
		req.Path.Element(0) == ShutdownContext &&
		req.IsFromLocalHost()
}

// Shutdown calls Destroy on one handler of each registered context in
// registration order. Failures are logged and do not stop the rest.
func (d *Dispatcher) Shutdown() {
	for _, route := range d.handlers.Routes() {
		if err := destroy(route, d.root); err != nil {
			d.log.Warn("unable to destroy handler", "context", route.Context, "error", err)
		}
	}
}

func destroy(route Route, root string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return route.Factory(root, route.Context).Destroy()
}
