package dependency

import (
	"context"
	"errors"
	"sync"
	"time"

	model "github.com/cloudreve/davcore/models"
	"github.com/cloudreve/davcore/pkg/cache"
	"github.com/cloudreve/davcore/pkg/conf"
	"github.com/cloudreve/davcore/pkg/filesystem"
	"github.com/cloudreve/davcore/pkg/logging"
	"github.com/cloudreve/davcore/pkg/util"
	"github.com/cloudreve/davcore/pkg/webdav"
	"github.com/jinzhu/gorm"
)

var (
	ErrorConfigPathNotSet = errors.New("config path not set")
)

type (
	// DepCtx defines keys for dependency manager
	DepCtx struct{}
)

// Dep manages all dependencies of the server application. The default implementation is not
// concurrent safe, so all inner deps should be initialized before any goroutine starts.
type Dep interface {
	// ConfigProvider Get a singleton conf.ConfigProvider instance.
	ConfigProvider() conf.ConfigProvider
	// Logger Get a singleton logging.Logger instance.
	Logger() logging.Logger
	// KV Get a singleton cache.Driver instance for lock records.
	KV() cache.Driver
	// DB Get a singleton gorm.DB instance for the account database.
	DB() *gorm.DB
	// AccountClient Creates a new model.AccountClient instance for access DB account store.
	AccountClient() model.AccountClient
	// Backend Get a singleton filesystem.Backend resolved from the store section.
	Backend() filesystem.Backend
	// Repository Get a singleton filesystem.Repository opening sessions over Backend.
	Repository() filesystem.Repository
	// LockTable Get a singleton webdav.LockTable shared by all requests.
	LockTable() *webdav.LockTable
	// WebDAVHandler Get a singleton webdav.Handler.
	WebDAVHandler() *webdav.Handler
	// ForkWithLogger create a shallow copy of dependency with a new correlated logger, used as per-request dep.
	ForkWithLogger(ctx context.Context, l logging.Logger) context.Context
	// Shutdown the dependencies gracefully.
	Shutdown(ctx context.Context) error
}

type dependency struct {
	configProvider conf.ConfigProvider
	logger         logging.Logger
	kv             cache.Driver
	db             *gorm.DB
	accountClient  model.AccountClient
	backend        filesystem.Backend
	authenticator  filesystem.Authenticator
	repository     filesystem.Repository
	lockTable      *webdav.LockTable
	webdavHandler  *webdav.Handler

	configPath string

	// Protects inner deps that can be reloaded at runtime.
	mu sync.Mutex
}

// NewDependency creates a new Dep instance for construct dependencies.
func NewDependency(opts ...Option) Dep {
	d := &dependency{}
	for _, o := range opts {
		o.apply(d)
	}

	return d
}

// FromContext retrieves a Dep instance from context.
func FromContext(ctx context.Context) Dep {
	return ctx.Value(DepCtx{}).(Dep)
}

func (d *dependency) ConfigProvider() conf.ConfigProvider {
	if d.configProvider != nil {
		return d.configProvider
	}

	if d.configPath == "" {
		d.panicError(ErrorConfigPathNotSet)
	}

	var err error
	d.configProvider, err = conf.NewIniConfigProvider(d.configPath, logging.NewConsoleLogger(logging.LevelInformational))
	if err != nil {
		d.panicError(err)
	}

	return d.configProvider
}

func (d *dependency) Logger() logging.Logger {
	if d.logger != nil {
		return d.logger
	}

	config := d.ConfigProvider()
	logLevel := logging.LogLevel(config.System().LogLevel)
	if config.System().Debug {
		logLevel = logging.LevelDebug
	}

	d.logger = logging.NewConsoleLogger(logLevel)
	d.logger.Info("Logger initialized with LogLevel=%q.", logLevel)
	return d.logger
}

func (d *dependency) KV() cache.Driver {
	if d.kv != nil {
		return d.kv
	}

	config := d.ConfigProvider()
	if config.Store().LockBackend == "redis" && config.Redis().Server != "" {
		d.kv = cache.NewRedisStore(d.Logger(), 10, config)
	} else {
		d.kv = cache.NewMemoStore(util.DataPath(cache.DefaultCacheFile), d.Logger())
	}

	return d.kv
}

func (d *dependency) DB() *gorm.DB {
	if d.db != nil {
		return d.db
	}

	config := d.ConfigProvider()
	db, err := model.Init(config.Database(), config.System().Debug, d.Logger())
	if err != nil {
		d.panicError(err)
	}

	d.db = db
	return d.db
}

func (d *dependency) AccountClient() model.AccountClient {
	if d.accountClient != nil {
		return d.accountClient
	}

	return model.NewAccountClient(d.DB())
}

func (d *dependency) Backend() filesystem.Backend {
	if d.backend != nil {
		return d.backend
	}

	backend, err := filesystem.NewBackend(d.ConfigProvider().Store(), d.Logger())
	if err != nil {
		d.panicError(err)
	}

	d.backend = backend
	return d.backend
}

func (d *dependency) Repository() filesystem.Repository {
	if d.repository != nil {
		return d.repository
	}

	auth := d.authenticator
	if auth == nil {
		auth = filesystem.NewDBAuthenticator(d.AccountClient())
	}

	d.repository = filesystem.NewRepository(d.Backend(), filesystem.NewKVLocks(d.KV()), auth)
	return d.repository
}

func (d *dependency) LockTable() *webdav.LockTable {
	if d.lockTable != nil {
		return d.lockTable
	}

	config := d.ConfigProvider().DAV()
	d.lockTable = webdav.NewLockTable(config.Secret, time.Duration(config.LockTimeout)*time.Second)
	return d.lockTable
}

func (d *dependency) WebDAVHandler() *webdav.Handler {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.webdavHandler != nil {
		return d.webdavHandler
	}

	config := d.ConfigProvider().DAV()
	d.webdavHandler = webdav.NewHandler(webdav.Options{
		Prefix:           config.Prefix,
		ReadOnly:         config.ReadOnly,
		Listings:         config.Listings,
		InputBufferSize:  config.InputBufferSize,
		OutputBufferSize: config.OutputBufferSize,
		SpeedLimit:       config.SpeedLimit,
		TempDir:          config.TempDir,
	}, d.LockTable(), d.Logger())
	return d.webdavHandler
}

func (d *dependency) ForkWithLogger(ctx context.Context, l logging.Logger) context.Context {
	dep := &dependencyCorrelated{
		l:          l,
		dependency: d,
	}
	return context.WithValue(ctx, DepCtx{}, dep)
}

func (d *dependency) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		d.Logger().Info("Shutting down database connection...")
		if err := d.db.Close(); err != nil {
			return err
		}
		d.db = nil
	}

	return nil
}

func (d *dependency) panicError(err error) {
	if d.logger != nil {
		d.logger.Panic("Fatal error in dependency initialization: %s", err)
	}

	panic(err)
}

type dependencyCorrelated struct {
	l logging.Logger
	*dependency
}

func (d *dependencyCorrelated) Logger() logging.Logger {
	return d.l
}
