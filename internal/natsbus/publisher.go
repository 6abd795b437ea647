package natsbus

import (
	"log/slog"

	"github.com/mtzanidakis/drover/internal/events"
)

// Publisher pushes orchestrator events to NATS for the dashboard.
type Publisher struct {
	client *Client
}

func NewPublisher(c *Client) *Publisher {
	return &Publisher{client: c}
}

func (p *Publisher) Status(s events.Status) {
	p.publish(TopicEventsStatus, s)
}

func (p *Publisher) Task(e events.TaskEvent) {
	p.publish(TopicEventsTask(e.TaskID), e)
}

func (p *Publisher) Agent(e events.AgentEvent) {
	p.publish(TopicEventsAgent(e.AgentID), e)
}

func (p *Publisher) Log(l events.LogLine) {
	p.publish(TopicEventsLog, l)
}

func (p *Publisher) publish(topic string, v any) {
	if err := p.client.PublishJSON(topic, v); err != nil {
		slog.Debug("publish event failed", "topic", topic, "error", err)
	}
}
