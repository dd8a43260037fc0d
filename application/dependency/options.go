package dependency

import (
	model "github.com/cloudreve/davcore/models"
	"github.com/cloudreve/davcore/pkg/cache"
	"github.com/cloudreve/davcore/pkg/conf"
	"github.com/cloudreve/davcore/pkg/filesystem"
	"github.com/cloudreve/davcore/pkg/logging"
	"github.com/jinzhu/gorm"
)

// Option 依赖管理器的额外设置
type Option interface {
	apply(*dependency)
}

type optionFunc func(*dependency)

func (f optionFunc) apply(o *dependency) {
	f(o)
}

// WithConfigPath Set the path of the config file.
func WithConfigPath(p string) Option {
	return optionFunc(func(o *dependency) {
		o.configPath = p
	})
}

// WithLogger Set the default logging.
func WithLogger(l logging.Logger) Option {
	return optionFunc(func(o *dependency) {
		o.logger = l
	})
}

// WithConfigProvider Set the default config provider.
func WithConfigProvider(c conf.ConfigProvider) Option {
	return optionFunc(func(o *dependency) {
		o.configProvider = c
	})
}

// WithKV Set the default KV store driver.
func WithKV(c cache.Driver) Option {
	return optionFunc(func(o *dependency) {
		o.kv = c
	})
}

// WithDB Set the default account database.
func WithDB(c *gorm.DB) Option {
	return optionFunc(func(o *dependency) {
		o.db = c
	})
}

// WithAccountClient Set the default account client.
func WithAccountClient(c model.AccountClient) Option {
	return optionFunc(func(o *dependency) {
		o.accountClient = c
	})
}

// WithBackend Set the default store backend.
func WithBackend(c filesystem.Backend) Option {
	return optionFunc(func(o *dependency) {
		o.backend = c
	})
}

// WithAuthenticator Set the authenticator used by the repository instead of
// the account database.
func WithAuthenticator(c filesystem.Authenticator) Option {
	return optionFunc(func(o *dependency) {
		o.authenticator = c
	})
}
