package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cloudreve/davcore/application/dependency"
	"github.com/cloudreve/davcore/pkg/cache"
	"github.com/cloudreve/davcore/pkg/conf"
	"github.com/cloudreve/davcore/pkg/crontab"
	"github.com/cloudreve/davcore/pkg/logging"
	"github.com/cloudreve/davcore/pkg/util"
	"github.com/cloudreve/davcore/routers"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
)

type Server interface {
	// Start starts the WebDAV server.
	Start() error
	PrintBanner()
	Close()
}

// NewServer constructs a new WebDAV server instance with given dependency.
func NewServer(dep dependency.Dep) Server {
	return &server{
		dep:    dep,
		logger: dep.Logger(),
		config: dep.ConfigProvider(),
	}
}

type server struct {
	dep    dependency.Dep
	logger logging.Logger
	config conf.ConfigProvider
	server *http.Server
	kv     cache.Driver
	cron   *cron.Cron
}

func (s *server) PrintBanner() {
	fmt.Print(`
     _                                
  __| | __ ___   _____ ___  _ __ ___ 
 / _  |/ _  \ \ / / __/ _ \| '__/ _ \
| (_| | (_| |\ V / (_| (_) | | |  __/
 \__,_|\__,_| \_/ \___\___/|_|  \___|

   V` + conf.BackendVersion + `  Commit #` + conf.LastCommit + `
================================================

`)
}

func (s *server) Start() error {
	// Debug 关闭时，切换为生产模式
	if !s.config.System().Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize lock store and storage before user traffic starts.
	s.kv = s.dep.KV()
	s.dep.Repository()
	s.dep.WebDAVHandler()

	// Start cron jobs
	c, err := crontab.NewCron(s.dep)
	if err != nil {
		return err
	}
	c.Start()
	s.cron = c

	api := routers.InitRouter(s.dep)
	api.TrustedPlatform = s.config.System().ProxyHeader
	s.server = &http.Server{Handler: api}

	s.logger.Info("Listening to %q", s.config.System().Listen)
	s.server.Addr = s.config.System().Listen
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to listen to %q: %w", s.config.System().Listen, err)
	}
	return nil
}

func (s *server) Close() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	ctx := context.Background()
	if s.config.System().GracePeriod != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.config.System().GracePeriod)*time.Second)
		defer cancel()
	}

	// Shutdown http server
	if s.server != nil {
		err := s.server.Shutdown(ctx)
		if err != nil {
			s.logger.Error("Failed to shutdown server: %s", err)
		}
	}

	if s.kv != nil {
		if err := s.kv.Persist(util.DataPath(cache.DefaultCacheFile)); err != nil {
			s.logger.Warning("Failed to persist cache: %s", err)
		}
	}

	if err := s.dep.Shutdown(ctx); err != nil {
		s.logger.Warning("Failed to shutdown dependency manager: %s", err)
	}
}
