package response

// StatusCode is the numeric status sent in the status line.
type StatusCode int

// Codes the server and its handlers send. Anything else can still be
// passed as StatusCode(n); it just gets the "Unknown Status" reason.
const (
	StatusSwitchingProtocols StatusCode = 101

	StatusOK             StatusCode = 200
	StatusCreated        StatusCode = 201
	StatusNoContent      StatusCode = 204
	StatusPartialContent StatusCode = 206

	StatusMovedPermanently  StatusCode = 301
	StatusFound             StatusCode = 302
	StatusSeeOther          StatusCode = 303
	StatusNotModified       StatusCode = 304
	StatusTemporaryRedirect StatusCode = 307

	StatusBadRequest            StatusCode = 400
	StatusUnauthorized          StatusCode = 401
	StatusForbidden             StatusCode = 403
	StatusNotFound              StatusCode = 404
	StatusMethodNotAllowed      StatusCode = 405
	StatusRequestTimeout        StatusCode = 408
	StatusLengthRequired        StatusCode = 411
	StatusRequestEntityTooLarge StatusCode = 413
	StatusUnsupportedMediaType  StatusCode = 415
	StatusTooManyRequests       StatusCode = 429

	StatusInternalServerError     StatusCode = 500
	StatusNotImplemented          StatusCode = 501
	StatusServiceUnavailable      StatusCode = 503
	StatusHTTPVersionNotSupported StatusCode = 505
)

// reasons covers every code a browser might see from us, plus the
// common ones a handler could reasonably pick.
var reasons = map[StatusCode]string{
	100: "Continue",
	101: "Switching Protocols",
	200: "OK",
	201: "Created",
	202: "Accepted",
	203: "Non-Authoritative Information",
	204: "No Content",
	205: "Reset Content",
	206: "Partial Content",
	300: "Multiple Choices",
	301: "Moved Permanently",
	302: "Found",
	303: "See Other",
	304: "Not Modified",
	307: "Temporary Redirect",
	308: "Permanent Redirect",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	406: "Not Acceptable",
	408: "Request Timeout",
	409: "Conflict",
	410: "Gone",
	411: "Length Required",
	412: "Precondition Failed",
	413: "Request Entity Too Large",
	414: "Request URI Too Long",
	415: "Unsupported Media Type",
	416: "Requested Range Not Satisfiable",
	417: "Expectation Failed",
	422: "Unprocessable Entity",
	429: "Too Many Requests",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
	505: "HTTP Version Not Supported",
}

// StatusText returns the reason phrase for code.
func StatusText(code StatusCode) string {
	if text, ok := reasons[code]; ok {
		return text
	}
	return "Unknown Status"
}

// IsError reports whether code is a 4xx or 5xx.
func (code StatusCode) IsError() bool {
	return code >= 400 && code < 600
}
