// internal/config/config.go
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config 存储应用配置
type Config struct {
	Port               string
	DataDir            string
	CompletionEndpoint string
	RequestTimeout     time.Duration
	DebounceWindow     time.Duration
	RealtimeEnabled    bool
	DebugMode          bool
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	// 尝试加载.env文件（可选）
	godotenv.Load()

	config := &Config{
		Port:               getEnv("PORT", "8080"),
		DataDir:            getEnvPath("DATA_DIR", "data"),
		CompletionEndpoint: getEnv("COMPLETION_ENDPOINT", ""),
		RequestTimeout:     getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		DebounceWindow:     getEnvDuration("DEBOUNCE_WINDOW", 5*time.Second),
		RealtimeEnabled:    getEnvBool("REALTIME_ENABLED", true),
		DebugMode:          getEnvBool("DEBUG_MODE", true),
	}

	if config.CompletionEndpoint == "" {
		// 只记录警告，不返回错误；聊天会走兜底回复
		log.Println("警告: 未设置 COMPLETION_ENDPOINT，AI聊天将使用兜底回复")
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

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("警告: 无法解析环境变量 %s=%q，使用默认值 %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

// getEnvDuration 获取时长类型环境变量（如 "5s"、"3000ms"）
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("警告: 无法解析环境变量 %s=%q，使用默认值 %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}
