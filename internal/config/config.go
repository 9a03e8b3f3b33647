// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config 存储引擎的全部配置
type Config struct {
	// 后端地址
	BackendURL string // HTTP 边界，如 http://localhost:8000
	WSBaseURL  string // 双工通道，如 ws://localhost:8000

	// 基础配置
	ProjectID string
	LogDir    string
	DebugMode bool

	// 连接
	PingInterval   time.Duration
	RequestTimeout time.Duration

	// 会话引擎
	ContextLines    int  // diff hunk 上下文行数
	MaxIterations   int  // 修订迭代上限
	TruncationGuard bool // 截断修正启发式开关
	FrameInterval   time.Duration

	// 自动保存
	AutosaveDebounce time.Duration
	AutosaveTimeout  time.Duration

	// 缓存
	CacheSize int
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	// 尝试加载.env文件（可选）
	godotenv.Load()

	config := &Config{
		BackendURL:       getEnv("NOVIX_BACKEND_URL", "http://localhost:8000"),
		WSBaseURL:        getEnv("NOVIX_WS_URL", "ws://localhost:8000"),
		ProjectID:        getEnv("NOVIX_PROJECT_ID", ""),
		LogDir:           getEnvPath("LOG_DIR", "logs"),
		DebugMode:        getEnvBool("DEBUG_MODE", false),
		PingInterval:     getEnvDuration("NOVIX_PING_INTERVAL", 20*time.Second),
		RequestTimeout:   getEnvDuration("NOVIX_REQUEST_TIMEOUT", 120*time.Second),
		ContextLines:     getEnvInt("NOVIX_CONTEXT_LINES", 2),
		MaxIterations:    getEnvInt("NOVIX_MAX_ITERATIONS", 5),
		TruncationGuard:  getEnvBool("NOVIX_TRUNCATION_GUARD", true),
		FrameInterval:    getEnvDuration("NOVIX_FRAME_INTERVAL", 33*time.Millisecond),
		AutosaveDebounce: getEnvDuration("NOVIX_AUTOSAVE_DEBOUNCE", 2*time.Second),
		AutosaveTimeout:  getEnvDuration("NOVIX_AUTOSAVE_TIMEOUT", 15*time.Second),
		CacheSize:        getEnvInt("NOVIX_CACHE_SIZE", 200),
	}

	return config, nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvPath 获取环境变量表示的路径，如果不存在则返回默认值
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)

	// 确保目录存在
	if _, err := os.Stat(path); os.IsNotExist(err) {
		err = os.MkdirAll(path, 0755)
		if err != nil {
			fmt.Printf("警告: 创建目录失败 %s: %v\n", path, err)
		}
	}

	return path
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt 获取整型环境变量
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		fmt.Printf("警告: 环境变量 %s 不是合法整数: %v\n", key, err)
		return defaultValue
	}
	return parsed
}

// getEnvDuration 获取时长类型环境变量（如 "20s"、"33ms"）
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		fmt.Printf("警告: 环境变量 %s 不是合法时长: %v\n", key, err)
		return defaultValue
	}
	return parsed
}
