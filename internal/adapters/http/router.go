// Package http serves the local diagnostics endpoint: a read-only view
// of gateway and session state for tooling and debugging.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/voxkit/voxkit/internal/app/session"
	"github.com/voxkit/voxkit/internal/domain"
	"github.com/voxkit/voxkit/internal/gateway"
)

// GatewayStatus reports the connection state of one gateway domain.
type GatewayStatus interface {
	State() gateway.State
}

type SessionStatus interface {
	Snapshot() session.Snapshot
}

type VoiceView interface {
	States() []domain.VoiceState
}

func SetupRouter(mode string, gw GatewayStatus, sess SessionStatus, view VoiceView) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	r.GET("/debug/voice", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"gateway": gw.State().String(),
			"session": sess.Snapshot(),
			"states":  view.States(),
		})
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
