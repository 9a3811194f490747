package handler

import (
	"quimicai-go/internal/middleware"
	"quimicai-go/internal/service"
	"quimicai-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// Dependencies 汇总路由所需的服务。
type Dependencies struct {
	Sessions      *service.SessionManager
	ChatService   service.ChatService
	AnswerService service.AnswerService
	JWTManager    *token.JWTManager
}

// NewRouter 注册所有路由。
func NewRouter(deps Dependencies) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	askHandler := NewAskHandler(deps.AnswerService)
	api := r.Group("/api")
	{
		api.POST("/ask", askHandler.Ask)
		api.GET("/health", askHandler.Health)
	}

	sessionHandler := NewSessionHandler(deps.Sessions, deps.JWTManager)
	conversationHandler := NewConversationHandler(deps.Sessions)
	chatHandler := NewChatHandler(deps.Sessions, deps.ChatService)
	eventsHandler := NewEventsHandler(deps.Sessions, deps.JWTManager)

	apiV1 := api.Group("/v1")
	{
		apiV1.POST("/session", sessionHandler.Create)
		apiV1.GET("/events/:token", eventsHandler.Handle)

		authed := apiV1.Group("")
		authed.Use(middleware.SessionAuth(deps.JWTManager))
		{
			authed.DELETE("/session", sessionHandler.Close)

			conversations := authed.Group("/conversations")
			{
				conversations.GET("", conversationHandler.List)
				conversations.POST("", conversationHandler.Create)
				conversations.PUT("/current", conversationHandler.Select)
				conversations.PATCH("/:id", conversationHandler.Rename)
				conversations.DELETE("/:id", conversationHandler.Delete)
				conversations.DELETE("/:id/messages/:index", conversationHandler.DeleteMessage)
			}

			authed.POST("/chat", chatHandler.Send)
		}
	}

	return r
}
