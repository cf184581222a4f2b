package server

import "github.com/Brownie44l1/webcore/internal/response"

// One request per connection: every response says so.
func markClose(res *response.Response) {
	res.SetHeader("Connection", "close")
}
