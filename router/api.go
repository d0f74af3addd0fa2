package router

import (
	"database/sql"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/pagerloop/pagerloop/handlers"
	"github.com/pagerloop/pagerloop/internal/config"
	"github.com/pagerloop/pagerloop/services"
)

func NewGinRouter(pg *sql.DB, rdb *redis.Client) *gin.Engine {
	r := gin.Default()

	// CORS middleware
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-Api-Key, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Initialize services
	notifier := services.NewRedisNotificationSender(rdb, config.App.NotificationQueue)
	routingService := services.NewRoutingService(pg)
	rotationService := services.NewRotationService(pg)
	scheduleService := services.NewScheduleService(pg, rotationService)
	overrideService := services.NewOverrideService(pg)
	groupService := services.NewGroupService(pg)
	escalationService := services.NewEscalationService(pg, scheduleService, groupService, notifier)
	incidentService := services.NewIncidentService(pg, routingService, escalationService, notifier)
	apiKeyService := services.NewAPIKeyService(pg)

	// Initialize handlers
	routingHandler := handlers.NewRoutingHandler(routingService)
	incidentHandler := handlers.NewIncidentHandler(incidentService)
	policyHandler := handlers.NewEscalationPolicyHandler(escalationService)
	scheduleHandler := handlers.NewScheduleHandler(scheduleService, rotationService, overrideService)
	groupHandler := handlers.NewGroupHandler(groupService)
	apiKeyHandler := handlers.NewAPIKeyHandler(apiKeyService)
	authMiddleware := handlers.NewAuthMiddleware(apiKeyService)

	// Health check
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// API KEY AUTHENTICATED INGESTION (public endpoints, secured by key)
	webhookRoutes := r.Group("/webhooks")
	webhookRoutes.Use(authMiddleware.RequireAPIKey())
	{
		webhookRoutes.POST("/incident", incidentHandler.WebhookCreateIncident)
	}

	// PROTECTED ENDPOINTS (require bearer JWT)
	protected := r.Group("/")
	protected.Use(authMiddleware.RequireJWT())
	{
		// ROUTING ADMINISTRATION
		routingRoutes := protected.Group("/routing")
		{
			routingRoutes.GET("/tables", routingHandler.ListRoutingTables)
			routingRoutes.POST("/tables", routingHandler.CreateRoutingTable)
			routingRoutes.GET("/tables/:id", routingHandler.GetRoutingTable)
			routingRoutes.DELETE("/tables/:id", routingHandler.DeleteRoutingTable)
			routingRoutes.POST("/tables/:id/rules", routingHandler.CreateRoutingRule)
			routingRoutes.DELETE("/rules/:ruleId", routingHandler.DeleteRoutingRule)

			// Dry-run simulation: same evaluation, no audit log
			routingRoutes.POST("/test", routingHandler.TestRoute)
			routingRoutes.GET("/history/:alertId", routingHandler.GetRoutingHistory)
		}

		// INCIDENT LIFECYCLE
		incidentRoutes := protected.Group("/incidents")
		{
			incidentRoutes.GET("", incidentHandler.ListIncidents)
			incidentRoutes.POST("", incidentHandler.CreateIncident)
			incidentRoutes.GET("/:id", incidentHandler.GetIncident)
			incidentRoutes.POST("/:id/acknowledge", incidentHandler.AcknowledgeIncident)
			incidentRoutes.POST("/:id/resolve", incidentHandler.ResolveIncident)
			incidentRoutes.POST("/:id/assign", incidentHandler.AssignIncident)
			incidentRoutes.POST("/:id/escalate", incidentHandler.EscalateIncident)
			incidentRoutes.GET("/:id/events", incidentHandler.GetIncidentEvents)
		}

		// GROUP-SCOPED SCHEDULING AND POLICIES
		groupRoutes := protected.Group("/groups")
		{
			groupRoutes.GET("/:id", groupHandler.GetGroup)
			groupRoutes.GET("/:id/members", groupHandler.GetGroupMembers)

			// Effective schedule and on-call resolution
			groupRoutes.GET("/:id/schedule/effective", scheduleHandler.GetEffectiveSchedule)
			groupRoutes.GET("/:id/schedule/current", scheduleHandler.GetCurrentOnCall)

			// Base shifts
			groupRoutes.GET("/:id/shifts", scheduleHandler.ListShifts)
			groupRoutes.POST("/:id/shifts", scheduleHandler.CreateShift)
			groupRoutes.DELETE("/:id/shifts/:shiftId", scheduleHandler.DeleteShift)

			// Rotation cycles
			groupRoutes.GET("/:id/rotations", scheduleHandler.ListRotationCycles)
			groupRoutes.POST("/:id/rotations", scheduleHandler.CreateRotationCycle)

			// Schedule overrides
			groupRoutes.GET("/:id/overrides", scheduleHandler.ListOverrides)
			groupRoutes.POST("/:id/overrides", scheduleHandler.CreateOverride)
			groupRoutes.DELETE("/:id/overrides/:overrideId", scheduleHandler.DeleteOverride)

			// Escalation policies
			groupRoutes.GET("/:id/escalation-policies", policyHandler.ListEscalationPolicies)
			groupRoutes.POST("/:id/escalation-policies", policyHandler.CreateEscalationPolicy)
			groupRoutes.GET("/:id/escalation-policies/:policyId", policyHandler.GetEscalationPolicy)
			groupRoutes.DELETE("/:id/escalation-policies/:policyId", policyHandler.DeleteEscalationPolicy)
		}

		// ROTATION CYCLE OPERATIONS
		rotationRoutes := protected.Group("/rotations")
		{
			rotationRoutes.GET("/:rotationId/preview", scheduleHandler.GetRotationPreview)
			rotationRoutes.GET("/:rotationId/current", scheduleHandler.GetCurrentRotationMember)
			rotationRoutes.DELETE("/:rotationId", scheduleHandler.DeleteRotationCycle)
		}

		// API KEY MANAGEMENT
		apiKeyRoutes := protected.Group("/api-keys")
		{
			apiKeyRoutes.POST("", apiKeyHandler.CreateAPIKey)
			apiKeyRoutes.DELETE("/:id", apiKeyHandler.RevokeAPIKey)
		}
	}

	return r
}
