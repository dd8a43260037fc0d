package conf

import (
	"fmt"
	"os"
	"strings"

	"github.com/cloudreve/davcore/pkg/logging"
	"github.com/cloudreve/davcore/pkg/util"
	"github.com/go-ini/ini"
	"github.com/go-playground/validator/v10"
)

const (
	envConfOverrideKey = "DAV_CONF_"
)

type ConfigProvider interface {
	System() *System
	DAV() *DAV
	Store() *Store
	Database() *Database
	Redis() *Redis
	Cors() *Cors
}

// NewIniConfigProvider initializes a new Ini config file provider. A default config file
// will be created if the given path does not exist.
func NewIniConfigProvider(configPath string, l logging.Logger) (ConfigProvider, error) {
	if configPath == "" || !util.Exists(configPath) {
		l.Info("Config file %q not found, creating a new one.", configPath)
		// 创建初始配置文件
		confContent := util.Replace(map[string]string{
			"{LockSecret}": util.RandStringRunes(64),
		}, defaultConf)
		f, err := util.CreatNestedFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create config file: %w", err)
		}

		// 写入配置文件
		_, err = f.WriteString(confContent)
		if err != nil {
			return nil, fmt.Errorf("failed to write config file: %w", err)
		}

		f.Close()
	}

	cfg, err := ini.Load(configPath, []byte(getOverrideConfFromEnv(l)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", configPath, err)
	}

	provider := &iniConfigProvider{
		system:   *SystemConfig,
		dav:      *DAVConfig,
		store:    *StoreConfig,
		database: *DatabaseConfig,
		redis:    *RedisConfig,
		cors:     *CORSConfig,
	}

	sections := map[string]interface{}{
		"System":   &provider.system,
		"DAV":      &provider.dav,
		"Store":    &provider.store,
		"Database": &provider.database,
		"Redis":    &provider.redis,
		"CORS":     &provider.cors,
	}
	for sectionName, sectionStruct := range sections {
		err = mapSection(cfg, sectionName, sectionStruct)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config section %q: %w", sectionName, err)
		}
	}

	return provider, nil
}

// NewStaticConfigProvider wraps already populated sections, used by tests and
// embedders that do not read an ini file.
func NewStaticConfigProvider(system System, dav DAV, store Store) ConfigProvider {
	return &iniConfigProvider{
		system:   system,
		dav:      dav,
		store:    store,
		database: *DatabaseConfig,
		redis:    *RedisConfig,
		cors:     *CORSConfig,
	}
}

type iniConfigProvider struct {
	system   System
	dav      DAV
	store    Store
	database Database
	redis    Redis
	cors     Cors
}

func (i *iniConfigProvider) System() *System {
	return &i.system
}

func (i *iniConfigProvider) DAV() *DAV {
	return &i.dav
}

func (i *iniConfigProvider) Store() *Store {
	return &i.store
}

func (i *iniConfigProvider) Database() *Database {
	return &i.database
}

func (i *iniConfigProvider) Redis() *Redis {
	return &i.redis
}

func (i *iniConfigProvider) Cors() *Cors {
	return &i.cors
}

const defaultConf = `[System]
Debug = false
Listen = :5212
LogLevel = info

[DAV]
Prefix = /dav
Listings = true
Secret = {LockSecret}
`

// mapSection 将配置文件的 Section 映射到结构体上
func mapSection(cfg *ini.File, section string, confStruct interface{}) error {
	err := cfg.Section(section).MapTo(confStruct)
	if err != nil {
		return err
	}

	// 验证合法性
	validate := validator.New()
	err = validate.Struct(confStruct)
	if err != nil {
		return err
	}

	return nil
}

func getOverrideConfFromEnv(l logging.Logger) string {
	confMaps := make(map[string]map[string]string)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, envConfOverrideKey) {
			continue
		}

		// split by key=value and get key
		kv := strings.SplitN(env, "=", 2)
		configKey := strings.TrimPrefix(kv[0], envConfOverrideKey)
		configValue := kv[1]
		sectionKey := strings.SplitN(configKey, ".", 2)
		if len(sectionKey) != 2 {
			l.Warning("Ignore malformed config override %q", kv[0])
			continue
		}
		if confMaps[sectionKey[0]] == nil {
			confMaps[sectionKey[0]] = make(map[string]string)
		}

		confMaps[sectionKey[0]][sectionKey[1]] = configValue
		l.Info("Override config %q = %q", configKey, configValue)
	}

	// generate ini content
	var sb strings.Builder
	for section, kvs := range confMaps {
		sb.WriteString(fmt.Sprintf("[%s]\n", section))
		for k, v := range kvs {
			sb.WriteString(fmt.Sprintf("%s = %s\n", k, v))
		}
	}

	return sb.String()
}
