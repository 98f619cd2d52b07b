// Package server composes the gateway: config, secrets, store,
// supervisor, providers, session manager, and the HTTP surface.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yhyyz/mcp-agent-gateway/internal/agent"
	"github.com/yhyyz/mcp-agent-gateway/internal/api"
	"github.com/yhyyz/mcp-agent-gateway/internal/config"
	"github.com/yhyyz/mcp-agent-gateway/internal/mcp"
	"github.com/yhyyz/mcp-agent-gateway/internal/provider"
	"github.com/yhyyz/mcp-agent-gateway/internal/secrets"
	"github.com/yhyyz/mcp-agent-gateway/internal/store"
	"github.com/yhyyz/mcp-agent-gateway/internal/telemetry"
)

// sweepEvery is the cadence of the idle-session sweep.
const sweepEvery = 10 * time.Second

// Server is the assembled gateway.
type Server struct {
	Handler http.Handler
	Addr    string

	cfg        *config.Config
	supervisor *mcp.Supervisor
	manager    *agent.Manager

	stopSweep     context.CancelFunc
	flushTraces   func(context.Context) error
	shutdownGrace time.Duration
}

// New builds every component. Secret resolution happens here so a bad
// credential reference fails startup instead of the first request.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	resolver, err := secrets.New(ctx, cfg.APIKey, cfg.Provider.Region)
	if err != nil {
		return nil, fmt.Errorf("secrets resolver: %w", err)
	}
	if _, err := resolver.APIKey(ctx); err != nil {
		return nil, fmt.Errorf("resolve API key: %w", err)
	}

	var specStore store.Store
	if cfg.Store.Table != "" {
		specStore, err = store.NewDynamoStore(ctx, cfg.Store.Table, cfg.Store.Region)
		if err != nil {
			return nil, fmt.Errorf("dynamo store: %w", err)
		}
		log.Info().Str("table", cfg.Store.Table).Msg("using dynamodb spec store")
	} else {
		specStore = store.NewMemoryStore()
		log.Info().Msg("DDB_TABLE unset; using in-memory spec store")
	}

	prov, err := buildProvider(ctx, cfg.Provider)
	if err != nil {
		return nil, err
	}

	supervisor := mcp.NewSupervisor(specStore, cfg.ToolTimeout)
	supervisor.StartShared(ctx, cfg.SharedServers)

	manager := agent.NewManager(prov, supervisor, supervisor, cfg.IdleHorizon)
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go manager.Run(sweepCtx, sweepEvery)

	flush, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		stopSweep()
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	handler := api.NewHandler(cfg, supervisor, manager)
	router := api.NewRouter(cfg, handler, resolver.APIKey)

	return &Server{
		Handler:       router,
		Addr:          fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		cfg:           cfg,
		supervisor:    supervisor,
		manager:       manager,
		stopSweep:     stopSweep,
		flushTraces:   flush,
		shutdownGrace: 15 * time.Second,
	}, nil
}

func buildProvider(ctx context.Context, cfg config.ProviderConfig) (provider.Provider, error) {
	switch cfg.Name {
	case "bedrock":
		p, err := provider.NewBedrock(ctx, cfg.Region, cfg.UpstreamTimeout)
		if err != nil {
			return nil, fmt.Errorf("bedrock provider: %w", err)
		}
		return p, nil
	case "openai":
		return provider.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.UpstreamTimeout), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Name)
	}
}

// Shutdown cancels every stream, closes every MCP client, and flushes
// traces within the drain window.
func (s *Server) Shutdown(ctx context.Context) {
	dctx, cancel := context.WithTimeout(ctx, s.shutdownGrace)
	defer cancel()

	s.stopSweep()
	s.manager.Shutdown()
	s.supervisor.Shutdown()
	if err := s.flushTraces(dctx); err != nil {
		log.Warn().Err(err).Msg("trace flush failed")
	}
}
