package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/webcore/internal/request"
	"github.com/Brownie44l1/webcore/internal/response"
)

const dumpReply = "Hello from your HTTP server!\n"

func newDumpCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print every request received and answer 200",
		Long: `Listen on a port and print the parsed request line, headers and body
of every request. Useful for checking what a client actually sends.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			cmd.Printf("Listening on %s...\n", ln.Addr())
			return dump(ctx, ln, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":42069", "Address to listen on")
	return cmd
}

// dump serves ln until ctx is done.
func dump(ctx context.Context, ln net.Listener, out io.Writer) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			dumpConn(ctx, conn, out, &mu)
		}()
	}
}

func dumpConn(ctx context.Context, conn net.Conn, out io.Writer, mu *sync.Mutex) {
	defer conn.Close()

	res := response.New(conn)
	defer res.Close()

	req, err := request.Read(ctx, bufio.NewReader(conn), request.ConnInfo{
		RemoteAddr: conn.RemoteAddr(),
		LocalAddr:  conn.LocalAddr(),
	}, request.Options{})
	if err != nil {
		mu.Lock()
		fmt.Fprintf(out, "failed to read request from %s: %v\n", conn.RemoteAddr(), err)
		mu.Unlock()
		return
	}
	if req.Method == "" {
		return
	}
	defer req.Close()

	content, err := io.ReadAll(req.Body())

	mu.Lock()
	fmt.Fprintln(out, "Request line:")
	fmt.Fprintf(out, "- Method: %s\n", req.Method)
	fmt.Fprintf(out, "- Target: %s\n", req.Path.String())
	fmt.Fprintf(out, "- Version: %s\n", req.Protocol)
	fmt.Fprintln(out, "Headers:")
	req.Headers().Each(func(name, value string) {
		fmt.Fprintf(out, "- %s: %s\n", name, value)
	})
	fmt.Fprintln(out, "Body:")
	fmt.Fprintf(out, "%s\n", content)
	if err != nil {
		fmt.Fprintf(out, "(body read failed: %v)\n", err)
	}
	mu.Unlock()

	res.SetHeader("Connection", "close")
	res.Text(response.StatusOK, dumpReply)
}
