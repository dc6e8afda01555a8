package main

import (
	"log"

	"support-chat-backend/internal/api"
	"support-chat-backend/internal/api/router"
	"support-chat-backend/internal/database"
	"support-chat-backend/internal/env"
	"support-chat-backend/internal/queue"
)

func main() {
	env.MustValidate()

	queueManager := queue.NewRequestQueueManager(10, 10)
	db, err := database.NewDatabase()
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}

	server := api.NewAPIServer(
		":81",
		queueManager,
		db,
		nil,
		router.UtilsRoutes("/api/agent/v1"),
		router.AuthRoutes("/api/agent/v1"),
		router.CompanyRoutes("/api/agent/v1"),
		router.ConversationRoutes("/api/agent/v1"),
	)

	server.Run()
}
