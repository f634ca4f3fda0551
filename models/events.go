package models

// Event names the relay broadcasts, each bound to the topic its
// envelopes are scoped by. The daemon derives its emitter bindings and
// inbound handlers from this table; tooling uses it to know what can
// arrive on a subscription.
var EventTopics = map[string]Topic{
	"board.updated":        TopicBoard,
	"board.member.added":   TopicBoard,
	"board.member.removed": TopicBoard,
	"card.created":         TopicBoardCard,
	"card.updated":         TopicBoardCard,
	"card.moved":           TopicBoardCard,
	"card.deleted":         TopicBoardCard,
	"dashboard.updated":    TopicDashboard,
	"user.notified":        TopicUser,
	"bot.status":           TopicBot,
	"announcement":         TopicGlobal,
}
