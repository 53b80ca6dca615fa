package cfg

type Cfg struct {
	// Feed ingestion
	FeedURL      string
	PollInterval int
	RulesFile    string

	// Storage
	DBPath        string
	CacheTTL      int
	RetentionDays int

	// Resolution
	MaxConcurrent  int
	RetryAttempts  int
	RetryBaseDelay int
	RetryMaxDelay  int
	RateLimitFloor int
	CycleTimeout   int

	// Per-source request budgets (requests per second)
	SteamRPS float64
	EpicRPS  float64
	GOGRPS   float64
	ItchRPS  float64
	PSRPS    float64
	Burst    float64

	// HTTP API
	Port         string
	APIAccessKey string

	// Application metadata
	UserAgent  string
	EmitBuffer int
	Timezone   string
	Debug      bool
	Version    string
}
