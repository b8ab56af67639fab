package realtime

import "fmt"

// User queues the discussion service pushes to.
const (
	QueueMessages          = "/queue/messages"
	QueueNotifications     = "/queue/notifications"
	QueueNotificationCount = "/queue/notifications.count"
	QueueTyping            = "/queue/typing"
	QueueMessageStatus     = "/queue/message.status"
)

// Application destinations accepted by the discussion service.
const (
	AppSendMessage = "/app/messages.send"
	AppTypingStart = "/app/typing.start"
	AppTypingStop  = "/app/typing.stop"
	AppMarkRead    = "/app/messages.read"
)

// GroupChannel is one of the broadcast topics of a study group.
type GroupChannel string

const (
	GroupDiscussions GroupChannel = "discussions"
	GroupAnswers     GroupChannel = "answers"
	GroupVotes       GroupChannel = "votes"
	GroupMembers     GroupChannel = "members"
)

// GroupAction is a group-scoped application destination suffix.
type GroupAction string

const (
	GroupCreateDiscussion GroupAction = "discussions.create"
	GroupCreateAnswer     GroupAction = "answers.create"
	GroupVote             GroupAction = "vote"
)

// GroupTopic returns the broadcast topic of a group channel, e.g. /topic/groups/7/discussions.
func GroupTopic(groupID int64, ch GroupChannel) string {
	return fmt.Sprintf("/topic/groups/%d/%s", groupID, ch)
}

// GroupDestination returns the application destination for a group action.
func GroupDestination(groupID int64, action GroupAction) string {
	return fmt.Sprintf("/app/groups/%d/%s", groupID, action)
}

// GroupHandlers holds optional handlers for each group channel.
type GroupHandlers struct {
	OnDiscussion Handler
	OnAnswer     Handler
	OnVote       Handler
	OnMembership Handler
}

func (h GroupHandlers) channels() map[GroupChannel]Handler {
	channels := make(map[GroupChannel]Handler, 4)
	if h.OnDiscussion != nil {
		channels[GroupDiscussions] = h.OnDiscussion
	}
	if h.OnAnswer != nil {
		channels[GroupAnswers] = h.OnAnswer
	}
	if h.OnVote != nil {
		channels[GroupVotes] = h.OnVote
	}
	if h.OnMembership != nil {
		channels[GroupMembers] = h.OnMembership
	}
	return channels
}
