package state

// Room keys are namespaced strings. The namespace prefix scopes fan-out:
// user rooms receive direct pushes, role rooms receive role broadcasts,
// project/conversation rooms receive collaboration events.

func UserRoom(userID string) string { return "user:" + userID }

func RoleRoom(role string) string { return "role:" + role }

func ProjectRoom(projectID string) string { return "project:" + projectID }

func ConversationRoom(conversationID string) string { return "conversation:" + conversationID }
