package remote

import (
	"fmt"

	"github.com/valyala/fasthttp"
)

// StatusServer is ufod's optional read-only HTTP status endpoint (§6.3's
// `--http` flag): it reports how many devices and CPUs the daemon's
// clmanager.Manager exposes, with no mutating surface.
type StatusServer struct {
	NumDevices func() int
	NumCPUs    func() int
}

func (s *StatusServer) handler(ctx *fasthttp.RequestCtx) {
	if string(ctx.Path()) != "/status" {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}
	devices, cpus := 0, 0
	if s.NumDevices != nil {
		devices = s.NumDevices()
	}
	if s.NumCPUs != nil {
		cpus = s.NumCPUs()
	}
	ctx.SetContentType("application/json")
	fmt.Fprintf(ctx, `{"devices":%d,"cpus":%d}`, devices, cpus)
}

// ListenAndServe blocks serving the status endpoint on addr until it fails
// or the caller's process exits; callers that want graceful shutdown run
// this in its own goroutine alongside Daemon.Serve.
func (s *StatusServer) ListenAndServe(addr string) error {
	return fasthttp.ListenAndServe(addr, s.handler)
}
