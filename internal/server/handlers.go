package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/cruciblehq/stratum/internal"
	"github.com/cruciblehq/stratum/internal/build"
	"github.com/cruciblehq/stratum/internal/project"
	"github.com/cruciblehq/stratum/internal/protocol"
	"github.com/nrednav/cuid2"
	"github.com/samber/lo"
)

// Handles a build command.
//
// Loads the project at the requested context and builds it. Builds run one
// at a time; a request arriving while another build runs waits for it.
func (s *Server) handleBuild(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.BuildRequest](payload)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	opts, err := buildOptions(req)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}
	opts.ID = cuid2.Generate()

	result, err := s.runBuild(ctx, opts)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	s.respond(conn, protocol.CmdOK, &protocol.BuildResult{
		ID:        result.ID,
		Reference: result.Reference,
		Digest:    result.Digest,
		Steps: lo.Map(result.Steps, func(st build.StepResult, _ int) protocol.BuildStep {
			return protocol.BuildStep{
				Instruction: st.Instruction,
				Cached:      st.Cached,
				Layer:       st.Layer,
				Duration:    st.Duration,
			}
		}),
	})
}

// Runs a build while holding the store.
func (s *Server) runBuild(ctx context.Context, opts build.Options) (*build.Result, error) {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.active = opts.ID
	s.mu.Unlock()

	result, err := build.Run(ctx, s.deps, opts)

	s.mu.Lock()
	s.active = ""
	if err == nil {
		s.builds++
	}
	s.mu.Unlock()

	return result, err
}

// Resolves a build request against the project configuration.
func buildOptions(req *protocol.BuildRequest) (build.Options, error) {
	cfg, err := project.Load(req.Context)
	if err != nil {
		return build.Options{}, err
	}
	if req.Tag != "" {
		cfg.Tag = req.Tag
	}
	if req.NoCache {
		cfg.NoCache = true
	}
	if req.Verify {
		cfg.Verify = true
	}
	if err := cfg.Validate(); err != nil {
		return build.Options{}, err
	}
	return cfg.BuildOptions()
}

// Handles a status command.
func (s *Server) handleStatus(conn net.Conn) {
	s.mu.Lock()
	builds := s.builds
	active := s.active
	s.mu.Unlock()

	uptime := time.Since(s.startedAt).Truncate(time.Second)

	s.respond(conn, protocol.CmdOK, &protocol.StatusResult{
		Running: true,
		Version: internal.VersionString(),
		Pid:     os.Getpid(),
		Uptime:  uptime.String(),
		Builds:  builds,
		Active:  active,
	})
}

// Handles an images command.
func (s *Server) handleImages(conn net.Conn) {
	records, err := s.deps.Store.List()
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	images := make([]protocol.Image, 0, len(records))
	for _, rec := range records {
		images = append(images, protocol.Image{
			Reference: rec.Reference,
			Digest:    rec.Digest,
			Size:      rec.Size,
			Published: rec.Published,
		})
	}
	s.respond(conn, protocol.CmdOK, &protocol.ImagesResult{Images: images})
}

// Handles a shutdown command.
func (s *Server) handleShutdown(conn net.Conn) {
	s.respond(conn, protocol.CmdOK, nil)
	slog.Info("shutdown requested")

	go func() {
		s.Stop()
	}()
}
