package env

import (
	"os"
	"strconv"
)

const (
	AWSRegion        = "AWS_REGION"
	AWSID            = "AWS_ID"
	AWSSecret        = "AWS_SECRET"
	AWSToken         = "AWS_TOKEN"
	DynamoDBEndpoint = "DYNAMODB_ENDPOINT"
	AgentSecretKey   = "AGENT_SECRET"
	WidgetSecretKey  = "WIDGET_SECRET"
	AuthRedisURL     = "AUTH_REDIS_URL"
	AuthRedisPass    = "AUTH_REDIS_PASS"
	EventRedisURL    = "EVENT_REDIS_URL"
	EventRedisPass   = "EVENT_REDIS_PASS"
	WebUrl           = "WEB_URL"
	OpenAIAPIKey     = "OPENAI_API_KEY"
	AIModel          = "AI_MODEL"
	AITimeoutSeconds = "AI_TIMEOUT_SECONDS"
	QuotaWarnPercent = "QUOTA_WARN_PERCENT"
)

// MustValidate panics unless every required variable is present. Binaries
// call it first thing in main so misconfiguration fails fast; library
// packages stay importable in tests without a full environment.
func MustValidate() {
	required := []string{
		AWSRegion,
		AWSID,
		AWSSecret,
		// AWSToken,
		AgentSecretKey,
		WidgetSecretKey,
		AuthRedisURL,
		EventRedisURL,
		OpenAIAPIKey,
	}
	for _, key := range required {
		if os.Getenv(key) == "" {
			panic("env: required environment variable not set: " + key)
		}
	}
}

func Get(key string) string {
	return os.Getenv(key)
}

func GetOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func MustGet(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic("env: required environment variable not set: " + key)
	}
	return val
}

func GetInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return parsed
}
