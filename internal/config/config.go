package config

// Config holds formpulse configuration
type Config struct {
	Server    Server    `yaml:"server"`
	Redis     Redis     `yaml:"redis"`
	RateLimit RateLimit `yaml:"rateLimit"`
	WebSocket WebSocket `yaml:"webSocket"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Server configures the HTTP listener serving the API, the observer
// websocket endpoint and the prometheus scrape endpoint.
type Server struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ReadTimeout     int    `yaml:"readTimeout"`     // seconds
	WriteTimeout    int    `yaml:"writeTimeout"`    // seconds
	ShutdownTimeout int    `yaml:"shutdownTimeout"` // seconds
}

// Redis configures the shared cache connection
type Redis struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// ClusterNodes switches the client to cluster mode when non-empty
	ClusterNodes []string `yaml:"clusterNodes"`

	// Pool settings
	PoolSize     int `yaml:"poolSize"`
	MinIdleConns int `yaml:"minIdleConns"`

	// Timeouts in seconds
	ConnectTimeout int `yaml:"connectTimeout"`
	ReadTimeout    int `yaml:"readTimeout"`
	WriteTimeout   int `yaml:"writeTimeout"`

	// Operation retry policy
	RetryAttempts int `yaml:"retryAttempts"`
	RetryDelayMs  int `yaml:"retryDelayMs"`
}

// RateLimit configures sliding-window admission control for the
// bounded-cost HTTP paths.
type RateLimit struct {
	WindowMs    int    `yaml:"windowMs"`
	MaxRequests int    `yaml:"maxRequests"`
	KeyPrefix   string `yaml:"keyPrefix"`

	// OnCacheError selects the degraded-cache policy: "allow" admits
	// requests when the cache is unreachable, "deny" rejects them.
	OnCacheError string `yaml:"onCacheError"`
}

// WebSocket configures the observer connection endpoint
type WebSocket struct {
	Path              string   `yaml:"path"`
	ReadBufferSize    int      `yaml:"readBufferSize"`
	WriteBufferSize   int      `yaml:"writeBufferSize"`
	HandshakeTimeout  int      `yaml:"handshakeTimeout"` // seconds
	MaxMessageSize    int64    `yaml:"maxMessageSize"`
	MaxConnections    int      `yaml:"maxConnections"`
	PongWait          int      `yaml:"pongWait"`   // seconds
	PingPeriod        int      `yaml:"pingPeriod"` // seconds
	WriteWait         int      `yaml:"writeWait"`  // seconds
	SendBuffer        int      `yaml:"sendBuffer"`
	MessagesPerSecond int      `yaml:"messagesPerSecond"`
	MessageBurst      int      `yaml:"messageBurst"`
	AllowedOrigins    []string `yaml:"allowedOrigins"`
}

// Telemetry configures distributed tracing
type Telemetry struct {
	Enabled    bool    `yaml:"enabled"`
	Service    string  `yaml:"service"`
	Version    string  `yaml:"version"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sampleRate"`
}
