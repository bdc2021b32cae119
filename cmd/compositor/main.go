// Command compositor wires every package in this module into one running
// server: the transport gateways accepting WHIP/RTMP/SRT publishers and
// serving WHEP egress (no HLS or MP4 output writer is started here), the
// Pipeline Orchestrator tying them to the
// Queue, Audio Mixer, and Scene State, and the stats Bus's WebTransport
// push feed.
//
// Grounded on cmd/prism/main.go's shape (self-signed cert, errgroup-
// supervised listeners, signal-driven shutdown), generalized from prism's
// one SRT-ingest/one-WebTransport-relay wiring to this module's
// many-input/many-output registration model: each transport protocol owns
// its own gateway goroutine instead of one relay fan-out, and inputs/
// outputs are registered with the Orchestrator individually rather than
// discovered from a single demuxed stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mediaforge/compositor-core/audiomix"
	"github.com/mediaforge/compositor-core/certs"
	"github.com/mediaforge/compositor-core/clock"
	"github.com/mediaforge/compositor-core/coreerr"
	"github.com/mediaforge/compositor-core/pipeline"
	"github.com/mediaforge/compositor-core/queue"
	"github.com/mediaforge/compositor-core/stats"
	"github.com/mediaforge/compositor-core/stats/wtpush"
	"github.com/mediaforge/compositor-core/transport/rtmp"
	"github.com/mediaforge/compositor-core/transport/srt"
	"github.com/mediaforge/compositor-core/transport/webrtc"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	whipAddr := envOr("WHIP_ADDR", ":8443")
	rtmpAddr := envOr("RTMP_ADDR", ":1935")
	srtAddr := envOr("SRT_ADDR", ":6000")
	statsAddr := envOr("STATS_ADDR", ":4443")
	stunServer := envOr("STUN_SERVERS", "stun:stun.l.google.com:19302")

	slog.Info("compositor starting",
		"version", version,
		"whip", whipAddr,
		"rtmp", rtmpAddr,
		"srt", srtAddr,
		"stats", statsAddr,
		"cert_hash", cert.FingerprintBase64(),
	)

	clk := clock.New()
	q := queue.New(clk, queue.ModeLive)
	mixer := audiomix.New(nil)
	bus := stats.NewBus(nil)
	orch := pipeline.New(q, mixer, bus, nil)
	orch.Start()
	defer orch.Wait()

	whipGW := webrtc.NewGateway(whipAddr, stunServer, nil)
	rtmpGW := rtmp.NewGateway(rtmpAddr, nil)
	srtGW := srt.NewGateway(srtAddr, nil)
	statsSrv := wtpush.New(statsAddr, cert.TLSCert, bus, nil)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := whipGW.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("whip gateway: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := rtmpGW.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("rtmp gateway: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := srtGW.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("srt gateway: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := statsSrv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("stats push server: %w", err)
		}
		return nil
	})

	// Every gateway above is up and listening; inputs/outputs themselves
	// are registered against orch as publishers connect (e.g. a WHIP
	// bearer token minted per expected input, or an RTMP/SRT stream key
	// dispatched to RegisterInput from this gateway's accept callback).
	// That registration path needs a linked VideoDecoder/AudioDecoder and,
	// for outputs, a VideoTransformer/AudioTransformer/Renderer — codec
	// encode/decode is a deliberate external seam this module does not
	// implement (transport.VideoDecoder and friends), so a deployment
	// wires its own codec package in here before calling RegisterInput/
	// RegisterOutput. Calling either without one configured is a
	// configuration error, not a silent no-op:
	if !codecsLinked() {
		slog.Warn("no codec implementation linked; gateways are listening but no input or output can be registered",
			"error", coreerr.Configuration(errVideoCodecUnconfigured).Error(),
		)
	}

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

var errVideoCodecUnconfigured = errors.New("no video/audio codec implementation linked into this build")

// codecsLinked reports whether a real VideoDecoder/AudioDecoder pair has
// been wired into this build. codec encode/decode is declared out of
// scope for this module (it lives in whatever deployment links against
// it), so the reference main here never fabricates one; a real deployment
// replaces this with a build tag or package import that registers its
// codec before RegisterInput/RegisterOutput calls are made.
func codecsLinked() bool {
	return false
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
