package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

// TopicInbox carries wake-up pings telling a recipient it has mail.
func TopicInbox(recipient string) string {
	if recipient == "*" {
		return TopicInboxAll
	}
	return fmt.Sprintf("drover.inbox.%s", recipient)
}

func TopicIPC(masterID string) string {
	return fmt.Sprintf("drover.ipc.%s", masterID)
}

func TopicEventsTask(taskID string) string {
	return fmt.Sprintf("events.task.%s", taskID)
}

func TopicEventsAgent(agentID string) string {
	return fmt.Sprintf("events.agent.%s", agentID)
}

const (
	TopicInboxAll     = "drover.inbox.all"
	TopicEventsAll    = "events.>"
	TopicEventsStatus = "events.status"
	TopicEventsLog    = "events.log"
)
