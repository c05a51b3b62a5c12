// Command veiad runs the reference Veia server, mainly for local
// development and manual testing against the client.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	jww "github.com/spf13/jwalterweatherman"

	"veia/server"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	jww.SetStdoutThreshold(jww.LevelInfo)

	srv := server.New()
	httpServer := &http.Server{Addr: *addr, Handler: srv.Handler()}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		jww.INFO.Printf("received signal %v, shutting down", sig)
		_ = httpServer.Close()
	}()

	jww.INFO.Printf("veiad listening on %s", *addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		jww.FATAL.Fatalf("serve: %v", err)
	}
}
