package bootstrap

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"turnstile/internal/pkg/logger"
	"turnstile/internal/pkg/nacos"
	"turnstile/internal/pkg/tracing"
	"turnstile/internal/pkg/utils"
)

// AppCtx 传给每个服务的路由注册函数。
type AppCtx struct {
	Mux *http.ServeMux
}

// AppInfo 包含了启动一个服务所需的所有特定信息。
type AppInfo struct {
	ServiceName      string
	Port             int
	RegisterHandlers func(appCtx AppCtx)
	// Background 是随服务生命周期运行的后台任务（如到期清扫循环），
	// ctx 在优雅关停时取消。
	Background func(ctx context.Context)
}

// StartService 封装了所有服务的通用启动和优雅关停逻辑。
func StartService(info AppInfo) {
	cfg := GetCurrentConfig()

	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		logger.L().Fatal().Err(err).Msg("failed to initialize tracer provider")
	}

	// Nacos 只在配置了地址时启用；本地开发可以完全不依赖它。
	var (
		naming *nacos.Client
		ip     string
	)
	if cfg.Infra.Nacos.ServerAddrs != "" {
		naming, err = nacos.NewClient(cfg.Infra.Nacos.ServerAddrs, cfg.Infra.Nacos.Namespace, cfg.Infra.Nacos.Group)
		if err != nil {
			logger.L().Fatal().Err(err).Msg("failed to initialize nacos client")
		}
		ip, err = utils.GetOutboundIP()
		if err != nil {
			logger.L().Fatal().Err(err).Msg("failed to get outbound IP address")
		}
		if err := naming.RegisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			logger.L().Fatal().Err(err).Msg("failed to register service with nacos")
		}
	}

	mux := http.NewServeMux()
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{Mux: mux})
	}
	server := &http.Server{Addr: ":" + strconv.Itoa(info.Port), Handler: mux}
	go func() {
		logger.L().Info().Int("port", info.Port).Msgf("%s listening", info.ServiceName)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.L().Fatal().Err(err).Msg("http server failed")
		}
	}()

	bgCtx, cancelBg := context.WithCancel(context.Background())
	if info.Background != nil {
		go info.Background(bgCtx)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.L().Info().Msgf("shutting down %s", info.ServiceName)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 关停顺序与启动相反：先摘流量，再停后台任务，最后冲刷 trace。
	if naming != nil {
		if err := naming.DeregisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			logger.L().Warn().Err(err).Msg("failed to deregister from nacos")
		}
		naming.Close()
	}

	if err := server.Shutdown(ctx); err != nil {
		logger.L().Warn().Err(err).Msg("http server shutdown failed")
	}

	cancelBg()

	if err := tp.Shutdown(ctx); err != nil {
		logger.L().Warn().Err(err).Msg("tracer provider shutdown failed")
	}

	logger.L().Info().Msgf("%s gracefully shut down", info.ServiceName)
}
