package main

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (any web page may open a signaling connection)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxQueuedMessagesPerUser <= 0 {
		logger.Warn("startup security warning: MAX_QUEUED_MESSAGES_PER_USER is unset/0 (offline queues grow without bound) while --mode=prod",
			"warning_code", "offline_queue_unbounded_in_prod",
			"max_queued_messages_per_user", cfg.MaxQueuedMessagesPerUser,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 64<<20 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (each connection may buffer a frame this size)",
			"warning_code", "signaling_message_limit_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && len(cfg.ICEServers) == 0 {
		logger.Warn("startup warning: no ICE servers configured; clients behind NAT may fail to connect calls",
			"warning_code", "ice_servers_empty_in_prod",
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
