package mailbox

import (
	"os"
	"strconv"
)

// LoadTracingConfigFromEnv loads tracing configuration from environment
// variables, falling back to DefaultTracingConfig for anything unset.
//
//	MAILBOX_TRACING_ENABLED       "true" or "false"
//	MAILBOX_TRACING_SERVICE_NAME  service name reported to the collector
//	MAILBOX_TRACING_ZIPKIN_URL    Zipkin span endpoint
func LoadTracingConfigFromEnv() TracingConfig {
	config := DefaultTracingConfig()

	if enabledStr := os.Getenv("MAILBOX_TRACING_ENABLED"); enabledStr != "" {
		if enabled, err := strconv.ParseBool(enabledStr); err == nil {
			config.Enabled = enabled
		}
	}
	if serviceName := os.Getenv("MAILBOX_TRACING_SERVICE_NAME"); serviceName != "" {
		config.ServiceName = serviceName
	}
	if zipkinURL := os.Getenv("MAILBOX_TRACING_ZIPKIN_URL"); zipkinURL != "" {
		config.ZipkinURL = zipkinURL
	}
	return config
}
