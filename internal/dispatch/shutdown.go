package dispatch

import (
	"github.com/Brownie44l1/webcore/internal/request"
	"github.com/Brownie44l1/webcore/internal/response"
	"github.com/Brownie44l1/webcore/internal/users"
)

// ShutdownHandler stops the server for a local service manager or for
// a user holding the shutdown role. Anyone else gets 403.
type ShutdownHandler struct {
	*FileHandler
	stop func()
}

func NewShutdownHandler(root, context string, stop func(), opts ...FileOption) *ShutdownHandler {
	return &ShutdownHandler{FileHandler: NewFileHandler(root, context, opts...), stop: stop}
}

// ShutdownFactory registers the shutdown handler. stop runs on its own
// goroutine after the reply is sent.
func ShutdownFactory(stop func(), opts ...FileOption) Factory {
	return func(root, context string) Handler {
		return NewShutdownHandler(root, context, stop, opts...)
	}
}

func (h *ShutdownHandler) Get(req *request.Request, res *response.Response) error {
	if !h.allowed(req) {
		h.log.Warn("shutdown refused", "remote", req.RemoteAddress())
		return res.Error(response.StatusForbidden, "")
	}
	h.log.Info("shutdown requested", "remote", req.RemoteAddress())
	res.DisableCaching()
	if err := res.Text(response.StatusOK, "Goodbye."); err != nil {
		return err
	}
	if h.stop != nil {
		go h.stop()
	}
	return nil
}

func (h *ShutdownHandler) Post(req *request.Request, res *response.Response) error {
	return h.Get(req, res)
}

func (h *ShutdownHandler) allowed(req *request.Request) bool {
	if req.IsFromLocalHost() && req.Headers().Has(ServiceManagerHeader) {
		return true
	}
	return req.UserHasRole(users.RoleShutdown)
}
