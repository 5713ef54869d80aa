package app

import (
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// printBanner prints the listen address and build info.
func (a *App) printBanner() {
	ver := a.version
	if a.commit != "" && a.commit != "none" {
		ver += " (" + a.commit + ")"
	}
	if a.buildDate != "" && a.buildDate != "unknown" {
		ver += " @ " + a.buildDate
	}
	fmt.Println("== keyrelay ================================================")
	fmt.Printf("Listen:   %s\n", a.eff.Addr)
	fmt.Printf("DB Path:  %s\n", a.eff.DBPath)
	fmt.Printf("Version:  %s\n", ver)
	fmt.Printf("Config:   %s\n\n", a.eff.Source)
}

// startHTTP builds and starts the fasthttp server, returning a channel that
// delivers its terminal error.
func (a *App) startHTTP() <-chan error {
	const (
		readBufferSize       = 64 * 1024
		readTimeout          = 10 * time.Second
		writeTimeout         = 10 * time.Second
		idleTimeout          = 30 * time.Second
		maxKeepaliveDuration = 2 * time.Minute
	)
	a.srvFast = &fasthttp.Server{
		Name:                 "keyrelay",
		Handler:              a.api.Handler(),
		ReadBufferSize:       readBufferSize,
		MaxRequestBodySize:   int(a.eff.Config.Server.MaxRequestSize.Int64()),
		ReduceMemoryUsage:    true,
		ReadTimeout:          readTimeout,
		WriteTimeout:         writeTimeout,
		IdleTimeout:          idleTimeout,
		MaxKeepaliveDuration: maxKeepaliveDuration,
	}

	errCh := make(chan error, 1)
	go func() {
		// TLS is terminated by a proxy in front of the server.
		errCh <- a.srvFast.ListenAndServe(a.eff.Addr)
	}()
	return errCh
}
