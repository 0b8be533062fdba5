package testutil

import (
	"fmt"

	"github.com/ReplayDeck/ReplayPipe/internal/models"
)

// TimedMessage is the minimal shape tests use to script a message.
type TimedMessage struct {
	Delay  int64 // ms before typing starts
	Typing int64 // ms of typing
	Sender models.Sender
	Flow   *models.FlowDefinition
}

// NewTemplate builds a valid text-only conversation template from timed
// messages. Senders default to alternating business/user when unset.
func NewTemplate(id string, msgs ...TimedMessage) models.ConversationTemplate {
	tpl := models.ConversationTemplate{
		Metadata: models.TemplateMetadata{
			ID:           id,
			Title:        "Test conversation " + id,
			BusinessName: "Acme Support",
		},
	}
	for i, m := range msgs {
		sender := m.Sender
		if sender == "" {
			if i%2 == 0 {
				sender = models.SenderBusiness
			} else {
				sender = models.SenderUser
			}
		}
		msgType := models.MessageTypeText
		if m.Flow != nil {
			msgType = models.MessageTypeFlow
		}
		tpl.Messages = append(tpl.Messages, models.ScenarioMessage{
			Sender:            sender,
			Type:              msgType,
			Content:           fmt.Sprintf("message %d", i),
			DelayBeforeTyping: m.Delay,
			TypingDuration:    m.Typing,
			Flow:              m.Flow,
		})
	}
	return tpl
}

// SimpleFlow returns a one-step flow definition for flow-trigger tests.
func SimpleFlow(id string) *models.FlowDefinition {
	return &models.FlowDefinition{
		ID:    id,
		Title: "Test flow",
		Steps: []models.FlowStep{
			{ID: "q1", Kind: models.FlowStepText, Prompt: "How did we do?"},
		},
	}
}
