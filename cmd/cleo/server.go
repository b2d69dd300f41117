package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/LuisNSantana/cleo-agent-sub013/agent/checkpoint"
	"github.com/LuisNSantana/cleo-agent-sub013/agent/circuitbreaker"
	"github.com/LuisNSantana/cleo-agent-sub013/agent/hitl"
	"github.com/LuisNSantana/cleo-agent-sub013/agent/retry"
	"github.com/LuisNSantana/cleo-agent-sub013/agent/stream"
	"github.com/LuisNSantana/cleo-agent-sub013/agent/supervisor"
	"github.com/LuisNSantana/cleo-agent-sub013/api"
	"github.com/LuisNSantana/cleo-agent-sub013/api/handlers"
	"github.com/LuisNSantana/cleo-agent-sub013/config"
	"github.com/LuisNSantana/cleo-agent-sub013/internal/audit"
	"github.com/LuisNSantana/cleo-agent-sub013/internal/database"
	"github.com/LuisNSantana/cleo-agent-sub013/internal/metrics"
	"github.com/LuisNSantana/cleo-agent-sub013/internal/migration"
	"github.com/LuisNSantana/cleo-agent-sub013/internal/redisconn"
	"github.com/LuisNSantana/cleo-agent-sub013/internal/server"
	"github.com/LuisNSantana/cleo-agent-sub013/internal/telemetry"
	"github.com/LuisNSantana/cleo-agent-sub013/types"
)

// metricsNamespace Prometheus 指标前缀
const metricsNamespace = "cleo"

// =============================================================================
// 🖥️ Server
// =============================================================================

// Server 组装存储、supervisor 与 HTTP 层
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	telemetry *telemetry.Providers
	registry  *prometheus.Registry
	collector *metrics.Collector

	db    *database.PoolManager
	redis *redisconn.Manager

	supervisor *supervisor.Supervisor
	gate       *hitl.Gate
	auditSink  *audit.ZapSink
	auditFile  io.Closer

	health *handlers.HealthHandler

	// 限流清理 goroutine 的生命周期
	rootCtx    context.Context
	rootCancel context.CancelFunc

	httpManager    *server.Manager
	metricsManager *server.Manager
}

// NewServer 按配置创建所有组件；失败时已创建的资源会被释放
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	s.rootCtx, s.rootCancel = context.WithCancel(context.WithoutCancel(ctx))
	if err := s.init(ctx); err != nil {
		s.close(context.WithoutCancel(ctx))
		return nil, err
	}
	return s, nil
}

func (s *Server) init(ctx context.Context) error {
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollectorWithRegistry(metricsNamespace, s.registry, s.logger)

	providers, err := telemetry.Init(ctx, s.cfg.Telemetry, s.logger)
	if err != nil {
		s.logger.Warn("telemetry init failed, continuing without exporters", zap.Error(err))
		providers = &telemetry.Providers{}
	}
	s.telemetry = providers

	if err := s.initStorage(ctx); err != nil {
		return err
	}
	if err := s.initSupervisor(ctx); err != nil {
		return err
	}
	s.initHealth()
	return nil
}

// =============================================================================
// 🗄️ 存储
// =============================================================================

func (s *Server) needsDatabase() bool {
	return s.cfg.Checkpoint.Backend == "sql" || s.cfg.Approval.Store == "sql"
}

func (s *Server) initStorage(ctx context.Context) error {
	if s.needsDatabase() {
		if s.cfg.Database.AutoMigrate {
			if err := s.runMigrations(ctx); err != nil {
				return err
			}
		}

		db, err := database.Open(s.cfg.Database, s.logger)
		if err != nil {
			return err
		}
		pool, err := database.NewPoolManager(db, database.PoolConfigFrom(s.cfg.Database), s.logger,
			database.WithStatsRecorder("primary", s.collector))
		if err != nil {
			return fmt.Errorf("init database pool: %w", err)
		}
		s.db = pool
	}

	if s.cfg.Checkpoint.Backend == "redis" {
		rm, err := redisconn.NewManager(ctx, s.cfg.Redis, s.logger)
		if err != nil {
			return err
		}
		s.redis = rm
	}
	return nil
}

func (s *Server) runMigrations(ctx context.Context) error {
	m, err := migration.NewMigratorFromDatabaseConfig(s.cfg.Database, s.logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	version, dirty, err := m.Version(ctx)
	if err == nil {
		s.logger.Info("database migrated", zap.Uint("version", version), zap.Bool("dirty", dirty))
	}
	return nil
}

func (s *Server) gormDB() *gorm.DB {
	if s.db == nil {
		return nil
	}
	return s.db.DB()
}

func (s *Server) checkpointStore() (checkpoint.Store, error) {
	opts := []checkpoint.Option{
		checkpoint.WithLogger(s.logger),
		checkpoint.WithPageSize(s.cfg.Checkpoint.PageSize),
	}
	if db := s.gormDB(); db != nil {
		opts = append(opts, checkpoint.WithOwnerLookup(checkpoint.NewGormOwnerLookup(db)))
	}

	switch s.cfg.Checkpoint.Backend {
	case "memory":
		return checkpoint.NewMemoryStore(opts...), nil
	case "sql":
		return checkpoint.NewSQLStore(s.gormDB(), opts...), nil
	case "redis":
		return checkpoint.NewRedisStore(s.redis.Client(), s.cfg.Checkpoint.RedisPrefix, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint backend %q", s.cfg.Checkpoint.Backend)
	}
}

func (s *Server) interruptStore() (hitl.InterruptStore, error) {
	switch s.cfg.Approval.Store {
	case "memory":
		return hitl.NewMemoryInterruptStore(), nil
	case "sql":
		return hitl.NewSQLInterruptStore(s.gormDB()), nil
	default:
		return nil, fmt.Errorf("unsupported approval store %q", s.cfg.Approval.Store)
	}
}

// =============================================================================
// 🧠 Supervisor
// =============================================================================

func (s *Server) initSupervisor(ctx context.Context) error {
	checkpoints, err := s.checkpointStore()
	if err != nil {
		return err
	}
	interruptStore, err := s.interruptStore()
	if err != nil {
		return err
	}
	policy, err := retryPolicy(s.cfg.Retry)
	if err != nil {
		return err
	}
	streams, err := streamManager(s.cfg.Stream, s.logger)
	if err != nil {
		return err
	}
	sink, err := s.openAudit()
	if err != nil {
		return err
	}

	breakerCfg := circuitbreaker.Config{
		MaxFailures:      s.cfg.CircuitBreaker.MaxFailures,
		HalfOpenTimeout:  s.cfg.CircuitBreaker.HalfOpenTimeout,
		ResetTimeout:     s.cfg.CircuitBreaker.ResetTimeout,
		SuccessThreshold: s.cfg.CircuitBreaker.SuccessThreshold,
		OnStateChange: func(agentID string, from, to circuitbreaker.State) {
			s.collector.RecordCircuitState(agentID, to.String())
		},
	}

	interrupts := hitl.NewInterruptManager(interruptStore, s.logger,
		hitl.WithTimeout(s.cfg.Approval.Timeout),
		hitl.WithPollInterval(s.cfg.Approval.PollInterval),
	)
	s.gate = hitl.NewGate(interrupts, toolPolicies(s.cfg.Approval), s.logger)

	deps := supervisor.Deps{
		Checkpoints:   checkpoints,
		Breaker:       circuitbreaker.New(breakerCfg, s.logger),
		RetryPolicy:   policy,
		Interrupts:    interrupts,
		Confirmations: hitl.NewConfirmationGate(s.logger),
		Stream:        streams,
		Audit:         sink,
		Metrics:       s.collector,
		OnResume:      s.resumeOrphan,
		Tracer:        s.telemetry.Tracer("cleo/supervisor"),
		Logger:        s.logger,
	}
	if s.db != nil {
		deps.Threads = func(ctx context.Context, thread checkpoint.AgentThread) error {
			return s.db.WithTransactionRetry(ctx, retry.Fast(), func(tx *gorm.DB) error {
				return checkpoint.RegisterThread(ctx, tx, thread)
			})
		}
	}

	sup, err := supervisor.New(deps)
	if err != nil {
		return err
	}
	s.supervisor = sup

	restored, err := sup.RestorePending(ctx)
	if err != nil {
		s.logger.Warn("restore pending interrupts failed", zap.Error(err))
	} else if restored > 0 {
		s.logger.Info("restored executions awaiting approval", zap.Int("count", restored))
	}
	return nil
}

// resumeOrphan 接手重启后恢复、但本进程内没有等待者的执行。
// 拒绝则失败结束；批准则记录决定并暂停，等待调用方继续驱动。
func (s *Server) resumeOrphan(ctx context.Context, exec *supervisor.Execution, rec *hitl.InterruptRecord) {
	logger := s.logger.With(zap.String("execution_id", exec.ID), zap.String("interrupt_id", rec.ID))

	if rec.Response != nil && !rec.Response.Approved() {
		cause := types.NewError(types.ErrToolRejected,
			fmt.Sprintf("tool %s was not approved: %s", rec.ToolName, rec.Response.Reason))
		if err := s.supervisor.Fail(ctx, exec.ID, cause); err != nil {
			logger.Warn("fail rejected execution", zap.Error(err))
		}
		return
	}

	values := map[string]any{
		"resumed_tool": rec.ToolName,
		"decision":     rec.Response,
	}
	if _, err := s.supervisor.Checkpoint(ctx, exec.ID, values, checkpoint.SourceUpdate); err != nil {
		logger.Warn("checkpoint resumed decision", zap.Error(err))
	}
	if err := s.supervisor.Pause(ctx, exec.ID); err != nil {
		logger.Warn("pause resumed execution", zap.Error(err))
		return
	}
	logger.Info("approved execution paused until continued", zap.String("tool", rec.ToolName))
}

// Gate 返回审批网关，注册专家时用它包装敏感工具
func (s *Server) Gate() *hitl.Gate {
	return s.gate
}

// toolPolicies 内置风险分级，配置中的同名工具覆盖之
func toolPolicies(cfg config.ApprovalConfig) hitl.Policies {
	policies := hitl.DefaultPolicies()
	for name, tool := range cfg.Tools {
		risk := hitl.Risk(strings.ToLower(tool.Risk))
		if risk == "" {
			risk = hitl.RiskLow
		}
		policies[name] = hitl.ToolPolicy{
			Risk:             risk,
			RequiresApproval: tool.RequiresApproval,
			Question:         tool.Question,
		}
	}
	return policies
}

// retryPolicy 预设加配置覆盖
func retryPolicy(cfg config.RetryConfig) (retry.Policy, error) {
	name := cfg.Preset
	if name == "" {
		name = "standard"
	}
	policy, err := retry.Preset(name)
	if err != nil {
		return retry.Policy{}, err
	}
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialDelay > 0 {
		policy.InitialDelay = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		policy.MaxDelay = cfg.MaxDelay
	}
	if cfg.Timeout > 0 {
		policy.Timeout = cfg.Timeout
	}
	return policy, nil
}

// streamManager 显式模式优先于预设
func streamManager(cfg config.StreamConfig, logger *zap.Logger) (*stream.Manager, error) {
	if len(cfg.Modes) == 0 {
		name := cfg.Preset
		if name == "" {
			name = "default"
		}
		return stream.NewManagerFromPreset(name, logger)
	}
	modes := make([]stream.Mode, 0, len(cfg.Modes))
	for _, raw := range cfg.Modes {
		m, err := stream.ParseMode(raw)
		if err != nil {
			return nil, err
		}
		modes = append(modes, m)
	}
	return stream.NewManager(modes, logger), nil
}

// openAudit 审计关闭时返回 NopSink
func (s *Server) openAudit() (audit.Sink, error) {
	if !s.cfg.Audit.Enabled {
		return audit.NopSink{}, nil
	}
	var w io.Writer
	switch out := strings.TrimSpace(s.cfg.Audit.Output); out {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		s.auditFile = f
		w = f
	}
	s.auditSink = audit.NewZapSink(w)
	return s.auditSink, nil
}

// =============================================================================
// 🌐 HTTP
// =============================================================================

func (s *Server) initHealth() {
	s.health = handlers.NewHealthHandler(handlers.BuildInfo{
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
	}, s.logger)
	if s.db != nil {
		s.health.RegisterCheck(handlers.NewPingCheck("database", s.db.Ping))
	}
	if s.redis != nil {
		s.health.RegisterCheck(handlers.NewPingCheck("redis", s.redis.Ping))
	}
}

// routes 返回 API 路由表
func (s *Server) routes() []api.Route {
	owners := handlers.ExecutionOwner(s.supervisor.Owner)
	var threadOwners checkpoint.OwnerLookup
	if db := s.gormDB(); db != nil {
		threadOwners = checkpoint.NewGormOwnerLookup(db)
	}
	interrupts := handlers.NewInterruptHandler(s.supervisor.Interrupts(), s.supervisor, owners, s.logger)
	confirmations := handlers.NewConfirmationHandler(s.supervisor.Confirmations(), owners, s.logger)
	checkpoints := handlers.NewCheckpointHandler(s.supervisor.Checkpoints(), threadOwners, s.logger)

	streamOpts := handlers.DefaultStreamOptions()
	if s.cfg.Stream.BufferSize > 0 {
		streamOpts.BufferSize = s.cfg.Stream.BufferSize
	}
	streamOpts.OriginPatterns = originPatterns(s.cfg.Server.CORSAllowedOrigins)
	streams := handlers.NewStreamHandler(s.supervisor.Stream(), owners, s.collector, streamOpts, s.logger)

	routes := []api.Route{
		{Pattern: api.RouteResume, Handler: interrupts.HandleResume},
		{Pattern: api.RouteGetInterrupt, Handler: interrupts.HandleGetInterrupt},
		{Pattern: api.RouteCancel, Handler: interrupts.HandleCancel},
		{Pattern: api.RouteResolveConfirmation, Handler: confirmations.HandleResolve},
		{Pattern: api.RouteStream, Handler: streams.HandleStream},
		{Pattern: api.RouteListCheckpoints, Handler: checkpoints.HandleList},
		{Pattern: api.RouteGetCheckpoint, Handler: checkpoints.HandleGet},

		{Pattern: api.RouteHealth, Handler: s.health.HandleHealth, Public: true},
		{Pattern: api.RouteHealthz, Handler: s.health.HandleHealth, Public: true},
		{Pattern: api.RouteReady, Handler: s.health.HandleReady, Public: true},
		{Pattern: api.RouteVersion, Handler: s.health.HandleVersion, Public: true},
	}
	// 未单独配置 metrics 端口时挂在 API 端口上
	if s.cfg.Server.MetricsPort == 0 {
		routes = append(routes, api.Route{Pattern: api.RouteMetrics, Handler: s.metricsHandler().ServeHTTP, Public: true})
	}
	return routes
}

// originPatterns 将 CORS 来源转为 websocket 的 host 匹配模式
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if i := strings.Index(o, "://"); i >= 0 {
			o = o[i+3:]
		}
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}

func (s *Server) metricsHandler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}

// Handler 构建带完整中间件链的 API handler
func (s *Server) Handler() http.Handler {
	var auth func(http.Handler) http.Handler
	if s.cfg.JWT.Secret != "" {
		auth = JWTAuth(s.cfg.JWT, s.logger)
	} else {
		s.logger.Warn("jwt secret not configured, API routes are unauthenticated")
	}

	mux := http.NewServeMux()
	api.Register(mux, s.routes(), auth)

	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		ClientIP(),
		SecurityHeaders(),
		OTelTracing(s.telemetry.Tracer("cleo/http")),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(s.rootCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	)
}

// Run 启动 API 与 metrics 服务器并阻塞到 ctx 取消或任一服务出错
func (s *Server) Run(ctx context.Context) error {
	s.httpManager = server.NewManager("api", s.Handler(), server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		CertFile:        s.cfg.Server.TLSCertFile,
		KeyFile:         s.cfg.Server.TLSKeyFile,
	}, s.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.httpManager.Run(gctx) })

	if s.cfg.Server.MetricsPort != 0 {
		mux := http.NewServeMux()
		mux.Handle(api.RouteMetrics, s.metricsHandler())
		cfg := server.DefaultConfig()
		cfg.Addr = fmt.Sprintf(":%d", s.cfg.Server.MetricsPort)
		cfg.ShutdownTimeout = s.cfg.Server.ShutdownTimeout
		s.metricsManager = server.NewManager("metrics", mux, cfg, s.logger)
		g.Go(func() error { return s.metricsManager.Run(gctx) })
	}

	s.logger.Info("cleo started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("checkpoint_backend", s.cfg.Checkpoint.Backend),
		zap.String("approval_store", s.cfg.Approval.Store),
		zap.Bool("auth", s.cfg.JWT.Secret != ""),
	)

	err := g.Wait()
	s.close(context.WithoutCancel(ctx))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// close 释放后台资源，顺序与创建相反
func (s *Server) close(ctx context.Context) {
	if s.rootCancel != nil {
		s.rootCancel()
	}
	if s.auditSink != nil {
		_ = s.auditSink.Sync()
	}
	if s.auditFile != nil {
		if err := s.auditFile.Close(); err != nil {
			s.logger.Warn("close audit log", zap.Error(err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("close redis", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("close database", zap.Error(err))
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}
	s.logger.Info("graceful shutdown completed")
}
