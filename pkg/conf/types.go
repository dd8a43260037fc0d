package conf

type StoreType string

var (
	LocalStore  StoreType = "local"
	MemoryStore StoreType = "memory"
)

// System 系统通用配置
type System struct {
	Listen      string `validate:"required"`
	Debug       bool
	GracePeriod int    `validate:"gte=0"`
	ProxyHeader string `validate:"required_with=Listen"`
	LogLevel    string `validate:"oneof=debug info warning error"`
	// CronGarbageCollect schedules collection of expired cache items and stale staging files.
	CronGarbageCollect string
}

// DAV protocol engine options.
type DAV struct {
	Prefix string `validate:"startswith=/"`
	Realm  string `validate:"required"`
	// ReadOnly blocks every mutating method.
	ReadOnly bool
	// Listings enables PROPFIND and HTML rendering of collections.
	Listings         bool
	InputBufferSize  int `validate:"gte=512"`
	OutputBufferSize int `validate:"gte=512"`
	// Secret is mixed into every lock token.
	Secret      string `validate:"required"`
	LockTimeout int    `validate:"gte=1"`
	// SpeedLimit caps download bandwidth in bytes per second, 0 means unlimited.
	SpeedLimit int64 `validate:"gte=0"`
	TempDir    string
	// StagingExpires is the age in seconds after which abandoned staging files are removed.
	StagingExpires int `validate:"gte=0"`
	Site           string
	Stage          string
}

// Store 资源存储配置
type Store struct {
	Type StoreType `validate:"eq=local|eq=memory"`
	// Root is resolved against the data folder when relative.
	Root        string `validate:"required_if=Type local"`
	LockBackend string `validate:"eq=memory|eq=redis"`
}

// Database 账户数据库
type Database struct {
	Type   string `validate:"eq=sqlite|eq=sqlite3"`
	DBFile string
}

// Redis 配置
type Redis struct {
	Network  string
	Server   string
	User     string
	Password string
	DB       string
}

// 跨域配置
type Cors struct {
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
	AllowCredentials bool
	ExposeHeaders    []string
}

// SystemConfig 系统公用配置
var SystemConfig = &System{
	Debug:       false,
	Listen:      ":5212",
	ProxyHeader: "X-Forwarded-For",
	LogLevel:    "info",

	CronGarbageCollect: "@every 30m",
}

// DAVConfig WebDAV 配置
var DAVConfig = &DAV{
	Prefix:           "/dav",
	Realm:            "davcore",
	Listings:         true,
	InputBufferSize:  2048,
	OutputBufferSize: 2048,
	LockTimeout:      604800,
	StagingExpires:   86400,
}

// StoreConfig 存储配置
var StoreConfig = &Store{
	Type:        LocalStore,
	Root:        "root",
	LockBackend: "memory",
}

// DatabaseConfig 数据库配置
var DatabaseConfig = &Database{
	Type:   "sqlite",
	DBFile: "davcore.db",
}

// RedisConfig Redis服务器配置
var RedisConfig = &Redis{
	Network: "tcp",
	Server:  "",
	DB:      "0",
}

// CORSConfig 跨域配置
var CORSConfig = &Cors{
	AllowOrigins: []string{"UNSET"},
	AllowMethods: []string{"GET", "HEAD", "PUT", "DELETE", "OPTIONS", "PROPFIND", "PROPPATCH", "MKCOL", "COPY", "MOVE", "LOCK", "UNLOCK"},
	AllowHeaders: []string{"Authorization", "Content-Length", "Content-Type", "Content-Range", "Range", "If-Range",
		"Depth", "Destination", "Overwrite", "If", "Lock-Token", "Timeout"},
	ExposeHeaders: []string{"DAV", "ETag", "Lock-Token", "Content-Range", "Allow"},
}
