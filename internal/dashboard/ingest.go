package dashboard

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/signalbox/internal/semaphore"
)

// Event type discriminators accepted by POST /api/events.
const (
	eventMessageReceived = "message_received"
	eventRunStart        = "run_start"
	eventToolStart       = "tool_start"
	eventToolEnd         = "tool_end"
	eventModelOutput     = "model_output"
	eventRunEnd          = "run_end"
)

// eventEnvelope is the wire format for ingest. Type selects which of the
// remaining fields are read; unknown fields are ignored.
type eventEnvelope struct {
	Type string `json:"type"`

	SessionKey string `json:"sessionKey"`

	// message_received
	AccountID      string `json:"accountId"`
	SenderID       string `json:"senderId"`
	ConversationID string `json:"conversationId"`
	ChatID         string `json:"chatId"`
	ThreadID       string `json:"threadId"`

	// tool_start
	ToolName string `json:"toolName"`

	// model_output
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`

	// run_end
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	DurationMs int64  `json:"durationMs"`
}

// handleIngest accepts one lifecycle event per request and feeds it to the
// reporter. Events are acknowledged with 202 before their status edits go
// out; the flush scheduler delivers them on its own cadence.
func handleIngest(rep *semaphore.Reporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var env eventEnvelope
		if err := c.ShouldBindJSON(&env); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid event payload: %v", err)})
			return
		}

		ctx := c.Request.Context()
		switch env.Type {
		case eventMessageReceived:
			if env.ChatID == "" && env.ConversationID == "" {
				c.JSON(http.StatusBadRequest, gin.H{"error": "message_received requires chatId or conversationId"})
				return
			}
			rep.HandleMessage(ctx, semaphore.MessageEvent{
				AccountID:      env.AccountID,
				SenderID:       env.SenderID,
				ConversationID: env.ConversationID,
				ChatID:         env.ChatID,
				ThreadID:       env.ThreadID,
				SessionKey:     env.SessionKey,
			})

		case eventRunStart:
			if !requireSessionKey(c, env) {
				return
			}
			rep.HandleRunStart(ctx, semaphore.RunStartEvent{SessionKey: env.SessionKey})

		case eventToolStart:
			if !requireSessionKey(c, env) {
				return
			}
			rep.HandleToolStart(ctx, semaphore.ToolStartEvent{
				SessionKey: env.SessionKey,
				ToolName:   env.ToolName,
			})

		case eventToolEnd:
			if !requireSessionKey(c, env) {
				return
			}
			rep.HandleToolEnd(ctx, semaphore.ToolEndEvent{SessionKey: env.SessionKey})

		case eventModelOutput:
			if !requireSessionKey(c, env) {
				return
			}
			rep.HandleModelOutput(ctx, semaphore.ModelOutputEvent{
				SessionKey:   env.SessionKey,
				Provider:     env.Provider,
				Model:        env.Model,
				InputTokens:  env.InputTokens,
				OutputTokens: env.OutputTokens,
			})

		case eventRunEnd:
			if !requireSessionKey(c, env) {
				return
			}
			rep.HandleRunEnd(ctx, semaphore.RunEndEvent{
				SessionKey: env.SessionKey,
				Success:    env.Success,
				Error:      env.Error,
				Duration:   time.Duration(env.DurationMs) * time.Millisecond,
			})

		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown event type %q", env.Type)})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	}
}

func requireSessionKey(c *gin.Context, env eventEnvelope) bool {
	if env.SessionKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s requires sessionKey", env.Type)})
		return false
	}
	return true
}
