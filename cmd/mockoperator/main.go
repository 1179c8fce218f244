package main

import (
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/txtgate/sms-gateway/internal/config"
)

// mockoperator simulates an upstream SMS provider for local runs and load
// tests: it accepts the operator wire format and answers sent/failed at a
// configurable rate.

type sendRequest struct {
	PhoneNumber string `json:"phone_number"`
	Message     string `json:"message"`
}

func main() {
	port := 9000
	if raw := os.Getenv("PORT"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			log.Fatalf("invalid PORT %q: %v", raw, err)
		}
		port = n
	}
	successRate := 0.95
	if raw := os.Getenv("SUCCESS_RATE"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f < 0 || f > 1 {
			log.Fatalf("invalid SUCCESS_RATE %q", raw)
		}
		successRate = f
	}

	logger, err := config.NewLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/send", func(c *gin.Context) {
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.PhoneNumber == "" || req.Message == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "phone_number and message are required"})
			return
		}

		if rand.Float64() < successRate {
			id := uuid.NewString()
			logger.Info("mock sent", zap.String("phone", req.PhoneNumber), zap.String("message_id", id))
			c.JSON(http.StatusOK, gin.H{"status": "sent", "message_id": id})
			return
		}
		logger.Info("mock failed", zap.String("phone", req.PhoneNumber))
		c.JSON(http.StatusOK, gin.H{"status": "failed", "error": "simulated operator failure"})
	})

	logger.Info("mock operator listening",
		zap.Int("port", port),
		zap.Float64("success_rate", successRate),
	)
	if err := r.Run(fmt.Sprintf(":%d", port)); err != nil {
		logger.Fatal("mock operator exited", zap.Error(err))
	}
}
