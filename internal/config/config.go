// Package config provides the runtime configuration for the engram service.
//
// Configuration is read once at startup from environment variables into an
// immutable Config value that is passed to components by the composition root.
// Components never read the environment themselves.
//
// Config describes the desired runtime shape. It does not validate semantic
// relationships between components; that is the responsibility of whoever
// consumes the value (e.g. the digest worker refuses to start when the lock
// path is empty).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// RunMode controls how the digest worker is hosted.
type RunMode string

const (
	RunModeOff     RunMode = "off"     // worker disabled
	RunModeSidecar RunMode = "sidecar" // worker runs as its own process
	RunModeInline  RunMode = "inline"  // API host spawns one worker goroutine
)

// KeyVersion selects the digest key schema.
type KeyVersion string

const (
	KeyV1 KeyVersion = "v1" // no explicit window bounds (backward compatible)
	KeyV2 KeyVersion = "v2" // window bounds folded into the key material
)

// EndpointMode selects how the tool executor endpoints are addressed.
type EndpointMode string

const (
	EndpointAuto   EndpointMode = "auto"   // try compat first, fall back to dict-shape
	EndpointModern EndpointMode = "modern" // structured endpoints only
	EndpointCompat EndpointMode = "compat" // legacy dict-shape endpoints only
)

// Digest holds the digest pipeline configuration.
type Digest struct {
	Enable        bool
	DailyEnable   bool
	WeeklyEnable  bool
	ArchiveEnable bool

	RunMode        RunMode
	Timezone       string // IANA name, default Europe/Berlin
	CatchupMaxDays int
	MinEventsDaily int
	MinDailyWeek   int

	LockPath    string
	LockTimeout time.Duration
	StatePath   string
	StorePath   string // digest store CSV

	KeyVersion    KeyVersion
	FiltersEnable bool
	RuntimeAPIV2  bool
}

// TypedState holds the CSV event source configuration.
type TypedState struct {
	Enable  bool
	Path    string
	JITOnly bool
	Mode    string

	// JIT trigger windows, scoping start_ts when filters are enabled.
	WindowTimeReference time.Duration
	WindowFactRecall    time.Duration
	WindowRemember      time.Duration
}

// SmallModel holds the context budgeting caps for small-context models.
type SmallModel struct {
	Mode       bool
	CharCap    int
	FinalCap   int // 0 = fall back to CharCap
	ToolCtxCap int
}

// Config is the full runtime configuration.
type Config struct {
	ListenAddr string

	HubURL       string // MCP tool hub JSON-RPC endpoint
	ModelURL     string // chat model base URL
	ModelName    string
	ExecutorURL  string
	ExecutorMode EndpointMode

	Digest     Digest
	TypedState TypedState
	SmallModel SmallModel

	ControlEnable      bool
	SkipControlLowRisk bool

	SkillGraphReconcile bool
	SkillKeyMode        string // name | legacy

	ChunkingEnable    bool
	ChunkingThreshold int

	ProtocolDir   string // daily protocol markdown files
	PlanCachePath string
	JobQueuePath  string
	IntentPath    string

	JWTSecret    string // empty disables auth
	RateLimitRPS float64
}

// FromEnv builds a Config from the process environment.
// Every field has a working default so a bare environment yields a usable
// development configuration rooted under dataDir.
func FromEnv(dataDir string) Config {
	if dataDir == "" {
		dataDir = "."
	}
	return Config{
		ListenAddr: envStr("ENGRAM_LISTEN", ":8211"),

		HubURL:       envStr("MCP_HUB_URL", "http://127.0.0.1:8100/rpc"),
		ModelURL:     envStr("MODEL_BASE_URL", "http://127.0.0.1:11434"),
		ModelName:    envStr("MODEL_NAME", "qwen2.5:7b"),
		ExecutorURL:  envStr("TOOL_EXECUTOR_URL", "http://127.0.0.1:8432"),
		ExecutorMode: EndpointMode(envStr("TOOL_EXECUTOR_ENDPOINT_MODE", string(EndpointAuto))),

		Digest: Digest{
			Enable:        envBool("DIGEST_ENABLE", true),
			DailyEnable:   envBool("DIGEST_DAILY_ENABLE", true),
			WeeklyEnable:  envBool("DIGEST_WEEKLY_ENABLE", true),
			ArchiveEnable: envBool("DIGEST_ARCHIVE_ENABLE", true),

			RunMode:        RunMode(envStr("DIGEST_RUN_MODE", string(RunModeOff))),
			Timezone:       envStr("DIGEST_TZ", "Europe/Berlin"),
			CatchupMaxDays: envInt("DIGEST_CATCHUP_MAX_DAYS", 7),
			MinEventsDaily: envInt("DIGEST_MIN_EVENTS_DAILY", 0),
			MinDailyWeek:   envInt("DIGEST_MIN_DAILY_PER_WEEK", 0),

			LockPath:    envStr("DIGEST_LOCK_PATH", dataDir+"/digest.lock"),
			LockTimeout: time.Duration(envInt("DIGEST_LOCK_TIMEOUT_S", 300)) * time.Second,
			StatePath:   envStr("DIGEST_STATE_PATH", dataDir+"/digest_state.json"),
			StorePath:   envStr("DIGEST_STORE_PATH", dataDir+"/digest_store.csv"),

			KeyVersion:    KeyVersion(envStr("DIGEST_KEY_VERSION", string(KeyV1))),
			FiltersEnable: envBool("DIGEST_FILTERS_ENABLE", false),
			RuntimeAPIV2:  envBool("DIGEST_RUNTIME_API_V2", true),
		},

		TypedState: TypedState{
			Enable:  envBool("TYPEDSTATE_CSV_ENABLE", false),
			Path:    envStr("TYPEDSTATE_CSV_PATH", dataDir+"/typed_state.csv"),
			JITOnly: envBool("TYPEDSTATE_CSV_JIT_ONLY", true),
			Mode:    envStr("TYPEDSTATE_MODE", "csv"),

			WindowTimeReference: time.Duration(envInt("JIT_WINDOW_TIME_REFERENCE_H", 48)) * time.Hour,
			WindowFactRecall:    time.Duration(envInt("JIT_WINDOW_FACT_RECALL_H", 168)) * time.Hour,
			WindowRemember:      time.Duration(envInt("JIT_WINDOW_REMEMBER_H", 336)) * time.Hour,
		},

		SmallModel: SmallModel{
			Mode:       envBool("SMALL_MODEL_MODE", false),
			CharCap:    envInt("SMALL_MODEL_CHAR_CAP", 6000),
			FinalCap:   envInt("SMALL_MODEL_FINAL_CAP", 0),
			ToolCtxCap: envInt("SMALL_MODEL_TOOL_CTX_CAP", 2000),
		},

		ControlEnable:      envBool("ENABLE_CONTROL_LAYER", true),
		SkipControlLowRisk: envBool("SKIP_CONTROL_ON_LOW_RISK", true),

		SkillGraphReconcile: envBool("SKILL_GRAPH_RECONCILE", false),
		SkillKeyMode:        envStr("SKILL_KEY_MODE", "name"),

		ChunkingEnable:    envBool("ENABLE_CHUNKING", false),
		ChunkingThreshold: envInt("CHUNKING_THRESHOLD", 1200),

		ProtocolDir:   envStr("PROTOCOL_DIR", dataDir+"/protocol"),
		PlanCachePath: envStr("PLAN_CACHE_PATH", dataDir+"/plan_cache.msgpack"),
		JobQueuePath:  envStr("EMBED_QUEUE_PATH", dataDir+"/embed_queue.jsonl"),
		IntentPath:    envStr("INTENT_STORE_PATH", dataDir+"/intents.json"),

		JWTSecret:    envStr("ENGRAM_JWT_SECRET", ""),
		RateLimitRPS: envFloat("ENGRAM_RATE_LIMIT_RPS", 0),
	}
}

// JITWindow returns the lookback window for a JIT trigger, or 0 when the
// trigger carries no implied window.
func (t TypedState) JITWindow(trigger string) time.Duration {
	switch trigger {
	case "time_reference":
		return t.WindowTimeReference
	case "fact_recall":
		return t.WindowFactRecall
	case "remember":
		return t.WindowRemember
	default:
		return 0
	}
}

// FinalCapOrFallback returns the final context cap, falling back to the
// general char cap when the final cap is unset.
func (s SmallModel) FinalCapOrFallback() int {
	if s.FinalCap > 0 {
		return s.FinalCap
	}
	return s.CharCap
}

func envStr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}
