package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/Brownie44l1/webcore/internal/dispatch"
	"github.com/Brownie44l1/webcore/internal/request"
	"github.com/Brownie44l1/webcore/internal/response"
)

// serveConn runs one request on conn and closes it.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()

	start := time.Now()
	if s.cfg.ReadTimeout > 0 {
		conn.SetReadDeadline(start.Add(s.cfg.ReadTimeout))
	}
	if s.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(start.Add(s.cfg.ReadTimeout + s.cfg.WriteTimeout))
	}

	res := response.New(conn, response.WithLogger(s.log), response.WithContentTypes(s.types))
	defer func() {
		// response.Close closes conn as well; the second close is a no-op
		res.Close()
		conn.Close()
	}()

	remote := hostOf(conn.RemoteAddr())
	if s.limiter != nil && !s.limiter.Allow(remote) {
		s.metrics.ConnectionRejected()
		s.log.Warn("rate limit exceeded", "remote", remote)
		markClose(res)
		res.Error(response.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	if s.cfg.RequestTimeout > 0 {
		timer := time.AfterFunc(s.cfg.RequestTimeout, func() {
			s.log.Warn("request timed out", "remote", remote, "timeout", s.cfg.RequestTimeout)
		})
		defer timer.Stop()
	}

	br := getReader(conn)
	defer putReader(br)

	req, err := s.handle(ctx, conn, br, res)
	if req != nil {
		defer req.Close()
	}
	if err != nil {
		if req == nil {
			s.log.Debug("unable to read request", "remote", remote, "error", err)
		} else {
			s.log.Error("request failed", "request_id", req.ID(), "path", req.Path.String(), "error", err)
		}
		if serr := sendFailure(res, err); serr != nil {
			s.log.Debug("unable to send error page", "error", serr)
		}
	}
	if req == nil || req.Method == "" {
		return
	}

	elapsed := time.Since(start)
	s.metrics.RecordRequest(req.Method, int(res.Status()), elapsed)
	s.logRequest(req, res, elapsed)
}

// handle reads the request and runs it through its handler. A request
// is returned whenever one was parsed, even alongside an error.
func (s *Server) handle(ctx context.Context, conn net.Conn, br *bufio.Reader, res *response.Response) (req *request.Request, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = recovered(v)
		}
	}()

	_, isTLS := conn.(*tls.Conn)
	info := request.ConnInfo{
		RemoteAddr: conn.RemoteAddr(),
		LocalAddr:  conn.LocalAddr(),
		TLS:        isTLS,
	}
	req, err = request.Read(ctx, br, info, request.Options{
		Authenticator: s.auth,
		Response:      res,
		Logger:        s.log,
		OnUpload: func(f request.UploadedFile) {
			s.metrics.FileUploaded(f.Size)
		},
	})
	if err != nil || req.Method == "" {
		return req, err
	}
	s.log.Debug("request received", "request", req.VerboseString())

	if s.cfg.Gzip {
		res.NegotiateEncoding(req.Header("accept-encoding"))
	}
	markClose(res)

	var h dispatch.Handler
	if s.dispatcher != nil {
		h = s.dispatcher.Select(req)
	}
	if h == nil {
		return req, res.Empty(response.StatusNotFound)
	}

	switch req.Method {
	case "GET":
		err = h.Get(req, res)
	case "POST":
		err = h.Post(req, res)
	case "PUT":
		err = h.Put(req, res)
	case "DELETE":
		err = h.Delete(req, res)
	case "OPTIONS":
		err = h.Options(req, res)
	default:
		err = res.Empty(response.StatusMethodNotAllowed)
	}
	return req, err
}

func hostOf(a net.Addr) string {
	if a == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}
